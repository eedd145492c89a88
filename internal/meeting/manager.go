package meeting

import (
	"sync"

	"github.com/google/uuid"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/hte"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/mwp"
	"github.com/n0remac/meetcore/internal/registry"
)

// Manager owns every live Meeting actor on this server instance, the
// REST-facing create/destroy lifecycle from spec.md section 6, and
// mirrors membership into the Room Registry so other instances (and a
// restarted version of this one) can see which meetings exist.
type Manager struct {
	cfg  *config.Config
	log  *logging.Logger
	pool *mwp.Pool
	reg  *registry.Registry // nil when running without a shared registry

	mu       sync.Mutex
	meetings map[string]*Meeting
}

// NewManager builds a Manager. reg may be nil for a single-instance,
// registry-less deployment (spec.md section 4.6 treats the registry as
// required only for multi-instance operation).
func NewManager(cfg *config.Config, log *logging.Logger, pool *mwp.Pool, reg *registry.Registry) *Manager {
	mgr := &Manager{cfg: cfg, log: log.With("manager"), pool: pool, reg: reg, meetings: make(map[string]*Meeting)}
	if reg != nil {
		reg.SetNotifier(mgr.onRegistryDisconnect)
	}
	return mgr
}

// onRegistryDisconnect is the registry's PeerLeftNotifier. When this
// instance still hosts the meeting's actor, its own Leave() already
// emitted peer-left through the local event sink the Hub fans out --
// nothing more to do. The callback only has real work in a true
// multi-instance deployment, where the registry write originated on an
// instance that doesn't host this meeting's actor; this process has no
// way to reach that meeting's clients, so it just logs.
func (mgr *Manager) onRegistryDisconnect(meetingID, participantID string, meetingNowEmpty bool) {
	if _, hostedHere := mgr.Get(meetingID); hostedHere {
		return
	}
	mgr.log.Warn("registry disconnect for a meeting this instance does not host", map[string]any{
		"meeting": meetingID, "participant": participantID, "empty": meetingNowEmpty,
	})
}

// BindSocket records the join in the Room Registry's socket index and
// adds the participant to the durable snapshot, spec.md section 4.6. A
// no-op without a shared registry.
func (mgr *Manager) BindSocket(socketID, meetingID, participantID string) {
	if mgr.reg == nil {
		return
	}
	if err := mgr.reg.BindSocket(socketID, meetingID, participantID); err != nil {
		mgr.log.Warn("registry socket bind failed", map[string]any{"err": err.Error()})
		return
	}
	if err := mgr.reg.AddParticipant(meetingID, participantID); err != nil {
		mgr.log.Warn("registry participant add failed", map[string]any{"err": err.Error()})
	}
}

// DisconnectSocket runs the registry's atomic disconnect cleanup, spec.md
// section 4.6. A no-op without a shared registry; the in-memory Meeting
// actor's own Leave()/MarkSuspended already handle this instance's
// client-visible cleanup, this keeps the shared snapshot consistent for
// other instances.
func (mgr *Manager) DisconnectSocket(socketID string) {
	if mgr.reg == nil {
		return
	}
	if err := mgr.reg.DisconnectSocket(socketID); err != nil {
		mgr.log.Warn("registry disconnect cleanup failed", map[string]any{"err": err.Error()})
	}
}

// Get returns the live Meeting for an id, if this instance hosts it.
func (mgr *Manager) Get(meetingID string) (*Meeting, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, ok := mgr.meetings[meetingID]
	return m, ok
}

// Create implements spec.md section 6's `POST /rooms`: allocate a new
// meeting id if none was supplied, start its actor, and persist an
// initial snapshot in the registry.
func (mgr *Manager) Create(meetingID, hostID string, opts Options) (*Meeting, error) {
	if meetingID == "" {
		meetingID = "room-" + uuid.NewString()
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 16
	}

	mgr.mu.Lock()
	if _, exists := mgr.meetings[meetingID]; exists {
		mgr.mu.Unlock()
		return nil, apierr.Duplicate("meeting %s already exists", meetingID)
	}
	sink := events.NewSink()
	m := New(meetingID, hostID, opts, mgr.cfg, mgr.log, sink, mgr.pool)
	mgr.meetings[meetingID] = m
	mgr.mu.Unlock()

	m.SetOnClose(func() { mgr.forget(meetingID) })

	if mgr.reg != nil {
		topology := string(hte.ModeSFU)
		if opts.MaxParticipants <= 3 {
			topology = string(hte.ModeMesh)
		}
		_ = mgr.reg.PutSnapshot(registry.Snapshot{
			MeetingID: meetingID, HostID: hostID, Topology: topology,
			Participants: nil, CreatedAt: m.Created,
		})
	}
	return m, nil
}

// Destroy implements `DELETE /rooms/{id}`: tears the meeting down
// immediately rather than waiting for the idle timeout.
func (mgr *Manager) Destroy(meetingID string) error {
	mgr.mu.Lock()
	m, ok := mgr.meetings[meetingID]
	mgr.mu.Unlock()
	if !ok {
		return apierr.NotFoundErr("RoomNotFound", "room %s not found", meetingID)
	}
	m.Close()
	return nil
}

// List backs `GET /rooms`.
func (mgr *Manager) List() []*Meeting {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]*Meeting, 0, len(mgr.meetings))
	for _, m := range mgr.meetings {
		out = append(out, m)
	}
	return out
}

func (mgr *Manager) forget(meetingID string) {
	mgr.mu.Lock()
	delete(mgr.meetings, meetingID)
	mgr.mu.Unlock()
	if mgr.reg != nil {
		_ = mgr.reg.DeleteSnapshot(meetingID)
	}
}

// HandleWorkerDeath is wired as the mwp.Pool's DeathNotifier: every
// meeting whose id is listed lived on the worker that died and needs its
// SFU router reprovisioned, spec.md section 4.1.
func (mgr *Manager) HandleWorkerDeath(workerID string, meetingIDs []string) {
	for _, id := range meetingIDs {
		if m, ok := mgr.Get(id); ok {
			go m.HandleWorkerDeath()
		}
	}
}
