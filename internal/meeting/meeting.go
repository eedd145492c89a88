// Package meeting implements the Meeting Lifecycle Manager, spec.md
// section 4.1: one single-writer actor per meeting, owning participant
// state and delegating media-plane work to the SFU Router or P2P
// Coordinator depending on the Hybrid Topology Engine's current mode.
// Grounded on the actor-mailbox idiom in matrix-org-waterfall's
// pkg/conference/conference.go (other_examples) — a goroutine draining a
// channel of commands, replying over a per-command channel — generalized
// from one conference-wide processor to one actor per meeting, per
// spec.md section 9's design note ("class hierarchy -> tagged variant...
// async everywhere -> actor mailbox").
package meeting

import (
	"fmt"
	"sync"
	"time"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/hte"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/mwp"
	"github.com/n0remac/meetcore/internal/p2p"
	"github.com/n0remac/meetcore/internal/quality"
	"github.com/n0remac/meetcore/internal/sfu"
)

// Options are the per-meeting creation options, spec.md section 4.1.
type Options struct {
	MaxParticipants int
	Encryption      bool
}

// Participant is the MLM's view of a meeting member, spec.md section 3.
type Participant struct {
	ID          string
	DisplayName string
	JoinedAt    time.Time
	Host        bool
	MediaState  events.MediaState
	Caps        *sfu.Capabilities
	Quality     *quality.Window
	Suspended   bool
	SuspendedAt time.Time
}

// command is one mailbox entry; execute runs on the actor goroutine only.
type command struct {
	execute func(m *Meeting) (any, error)
	reply   chan result
}

type result struct {
	value any
	err   error
}

// Meeting is the single-writer actor for one meeting's state.
type Meeting struct {
	ID      string
	HostID  string
	Options Options
	Created time.Time

	cfg  *config.Config
	log  *logging.Logger
	sink *events.Sink
	pool *mwp.Pool

	engine *hte.Engine

	participants map[string]*Participant

	mwpRouter *mwp.Router
	sfuRouter *sfu.Router
	p2pCoord  *p2p.Coordinator

	// prewarmRouter holds an SFU router allocated ahead of need, spec.md
	// section 4.2's pre-warm: created once mesh occupancy reaches
	// P2PThreshold, consumed by the next mesh->sfu migration if one
	// happens, or reclaimed by the engine's idle timer otherwise.
	prewarmRouter *mwp.Router

	// ackCh is written by the actor goroutine (inside AwaitAcks, itself
	// running on the actor) and read/written by Acknowledge, which is
	// called directly from the Signaling Gateway's connection goroutine
	// while the actor is blocked awaiting acks -- the one piece of Meeting
	// state that genuinely needs its own lock rather than mailbox
	// serialization, per spec.md section 5's allowed suspension points.
	ackMu sync.Mutex
	ackCh map[string]chan struct{} // participantID -> transition-acknowledged signal

	// signalDeliverer is supplied by the Signaling Gateway after
	// construction, since only it holds the actual per-connection
	// writers; P2P relay and transition-info pushes go through it.
	signalDeliverer func(toPeerID string, s p2p.Signal) error

	mailbox   chan command
	done      chan struct{}
	idleTimer *time.Timer

	// closeOnce guards Close against concurrent callers: the idle-destroy
	// timer and an explicit Manager.Destroy can race, and closing m.done
	// twice panics.
	closeOnce sync.Once

	// onClose is set by the Manager so it can drop this meeting from its
	// registry once the actor tears itself down (idle timeout or explicit
	// destroy), independent of whatever triggered the close.
	onClose func()
}

// SetOnClose wires a callback invoked once, at the end of Close.
func (m *Meeting) SetOnClose(fn func()) { m.onClose = fn }

// Events exposes the meeting's typed event sink so the Signaling Gateway
// can fan pushes out to bound connections.
func (m *Meeting) Events() *events.Sink { return m.sink }

// Info is the read-only view backing `GET /rooms/{id}`, spec.md section 6.
type Info struct {
	ID           string
	HostID       string
	Mode         string
	CreatedAt    time.Time
	Participants []ParticipantInfo
}

type ParticipantInfo struct {
	ID          string
	DisplayName string
	Host        bool
	JoinedAt    time.Time
	MediaState  events.MediaState
	Suspended   bool
}

// Snapshot reads the meeting's current membership and mode through the
// actor mailbox, so a concurrent REST lookup never observes a torn
// write mid-mutation.
func (m *Meeting) Snapshot() Info {
	v, err := m.call(func(m *Meeting) (any, error) {
		out := Info{ID: m.ID, HostID: m.HostID, Mode: string(m.engine.Mode()), CreatedAt: m.Created}
		for _, p := range m.participants {
			out.Participants = append(out.Participants, ParticipantInfo{
				ID: p.ID, DisplayName: p.DisplayName, Host: p.Host,
				JoinedAt: p.JoinedAt, MediaState: p.MediaState, Suspended: p.Suspended,
			})
		}
		return out, nil
	})
	if err != nil {
		return Info{ID: m.ID, HostID: m.HostID}
	}
	return v.(Info)
}

// SetSignalDeliverer wires the Signaling Gateway's push function into
// this meeting, used for P2P relay delivery.
func (m *Meeting) SetSignalDeliverer(fn func(toPeerID string, s p2p.Signal) error) {
	m.signalDeliverer = fn
}

// New constructs a meeting actor and starts its mailbox loop. Initial
// mode follows spec.md section 4.1's create(): mesh if
// options.MaxParticipants <= 3, else sfu.
func New(id, hostID string, opts Options, cfg *config.Config, log *logging.Logger, sink *events.Sink, pool *mwp.Pool) *Meeting {
	initial := hte.ModeSFU
	if opts.MaxParticipants <= 3 {
		initial = hte.ModeMesh
	}
	m := &Meeting{
		ID:           id,
		HostID:       hostID,
		Options:      opts,
		Created:      time.Now(),
		cfg:          cfg,
		log:          log.With(id),
		sink:         sink,
		pool:         pool,
		participants: make(map[string]*Participant),
		ackCh:        make(map[string]chan struct{}),
		mailbox:      make(chan command, 256),
		done:         make(chan struct{}),
	}
	m.engine = hte.New(id, cfg, log, sink, initial)
	m.engine.SetPrewarmHooks(m.prewarmCreate, m.prewarmReclaim)
	if initial == hte.ModeMesh {
		m.p2pCoord = p2p.New(id, m.log, peerSetAdapter{m}, m.deliverP2P)
	}
	go m.run()
	return m
}

type peerSetAdapter struct{ m *Meeting }

func (a peerSetAdapter) HasPeer(id string) bool {
	_, ok := a.m.participants[id]
	return ok
}

// deliverP2P is a placeholder hook the Signaling Gateway overwrites per
// meeting via SetSignalDeliverer, since only it holds the actual
// per-connection writers.
func (m *Meeting) deliverP2P(toPeerID string, s p2p.Signal) error {
	if m.signalDeliverer != nil {
		return m.signalDeliverer(toPeerID, s)
	}
	return nil
}

// run is the actor loop: every command executes serially, so no field on
// Meeting needs its own lock. This is the entire concurrency story for
// per-meeting state, per spec.md section 9's "shared mutable maps ->
// owned state" note.
func (m *Meeting) run() {
	for {
		select {
		case cmd := <-m.mailbox:
			v, err := m.safeExecute(cmd.execute)
			cmd.reply <- result{value: v, err: err}
		case <-m.done:
			return
		}
	}
}

// safeExecute recovers a panic raised by an invariant violation, per
// spec.md section 7: "Invariant violations... crash the actor; the
// supervisor restarts it." Recovering here (instead of truly crashing the
// process) keeps the actor alive but logs loudly so an operator notices;
// a supervising Manager may still choose to replace the Meeting entirely
// on repeated violations.
func (m *Meeting) safeExecute(fn func(*Meeting) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("invariant violation, meeting actor reset", nil, map[string]any{"panic": fmt.Sprint(r)})
			err = apierr.New(apierr.InvariantFail, "InvariantViolation", "%v", r)
			m.sink.EmitMembership(events.MembershipEvent{MeetingID: m.ID, Kind: events.MeetingReset, At: time.Now()})
		}
	}()
	return fn(m)
}

// call enqueues a command and blocks for its reply, bounded by the
// configured request deadline (spec.md section 5's cancellation rule).
func (m *Meeting) call(fn func(m *Meeting) (any, error)) (any, error) {
	cmd := command{execute: fn, reply: make(chan result, 1)}
	select {
	case m.mailbox <- cmd:
	case <-time.After(m.cfg.RequestDeadline):
		return nil, apierr.TimeoutErr("mailbox full for meeting %s", m.ID)
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-time.After(m.cfg.RequestDeadline):
		return nil, apierr.TimeoutErr("meeting %s did not reply in time", m.ID)
	}
}

// Close stops the actor loop and tears down any live router/coordinator.
// Idempotent and safe to call concurrently (idle-destroy timer racing an
// explicit Manager.Destroy). Router teardown runs as a command through the
// actor's mailbox rather than touching m.sfuRouter/m.mwpRouter directly, so
// it can't race a command still executing on the actor goroutine.
func (m *Meeting) Close() {
	m.closeOnce.Do(func() {
		m.call(func(m *Meeting) (any, error) {
			m.engine.CancelPrewarm()
			if m.sfuRouter != nil {
				m.sfuRouter.Close()
			}
			if m.mwpRouter != nil {
				m.mwpRouter.Close()
			}
			if m.prewarmRouter != nil {
				m.prewarmRouter.Close()
				m.prewarmRouter = nil
			}
			return nil, nil
		})
		close(m.done)
		if m.onClose != nil {
			m.onClose()
		}
	})
}
