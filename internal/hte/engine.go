// Package hte implements the Hybrid Topology Engine, spec.md section
// 4.2: per-meeting mode selection (mesh vs sfu), the migration protocol
// with its single-flight lock and hysteresis, and SFU pre-warm/reclaim.
// Grounded structurally on the conference state-machine idiom in
// matrix-org-waterfall's pkg/conference files (other_examples): a small
// explicit state type plus a lock-guarded transition function, rather
// than a generic FSM library — the teacher repo has no topology
// switching at all (it is mesh-only), so this package's shape comes
// from that other_examples grounding instead.
package hte

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/quality"
)

// Mode is the meeting's current topology, spec.md section 3.
type Mode string

const (
	ModeMesh         Mode = "mesh"
	ModeSFU          Mode = "sfu"
	ModeTransitioning Mode = "transitioning"
)

// HistoryEntry is one row of the meeting's transition history, spec.md
// section 3's "ordered sequence of {mode, timestamp, reason}".
type HistoryEntry struct {
	Mode   Mode
	At     time.Time
	Reason string
}

// Host is implemented by the Meeting Lifecycle Manager: HTE decides
// *when* to migrate, the host knows *how* to instantiate/tear down a
// topology and talk to its participants. Keeping this as an interface
// mirrors spec.md section 9's design note that HTE and MLM communicate
// through a narrow explicit contract, not a shared mutable state blob.
type Host interface {
	// InstantiateTarget brings up the target topology (pre-warmed SFU
	// router if available) and returns per-participant connection
	// descriptors, or an error to trigger rollback. Migrate does not
	// forward the descriptors: the transition-info event carries only the
	// from/to modes and the reason.
	InstantiateTarget(to Mode) (map[string]any, error)
	// TeardownOld closes transports/routers/relay state for the mode being
	// left.
	TeardownOld(from Mode)
	// Participants lists the participant ids present right now.
	Participants() []string
	// AwaitAcks blocks up to timeout waiting for transition-acknowledged
	// from every participant, returning the subset that acked in time.
	AwaitAcks(participantIDs []string, timeout time.Duration) []string
}

// Engine runs the topology state machine for one meeting.
type Engine struct {
	meetingID string
	cfg       *config.Config
	log       *logging.Logger
	sink      *events.Sink

	mu             sync.Mutex
	mode           Mode
	lastTransition time.Time
	history        []HistoryEntry

	transitioning atomic.Bool

	prewarmMu    sync.Mutex
	prewarmTimer *time.Timer
	onPrewarm    func()
	onReclaim    func()
}

// New builds an Engine starting in initialMode, per create()'s rule in
// spec.md section 4.1 ("mesh if maxParticipants <= 3, else sfu").
func New(meetingID string, cfg *config.Config, log *logging.Logger, sink *events.Sink, initialMode Mode) *Engine {
	return &Engine{
		meetingID: meetingID,
		cfg:       cfg,
		log:       log,
		sink:      sink,
		mode:      initialMode,
	}
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) History() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HistoryEntry(nil), e.history...)
}

// ShouldGoUp implements the upward mode-selection policy, spec.md
// section 4.2.
func (e *Engine) ShouldGoUp(participantCount int, win *quality.Window) bool {
	if e.Mode() != ModeMesh {
		return false
	}
	if participantCount >= e.cfg.SFUThreshold {
		return true
	}
	if participantCount >= 2 && win != nil && quality.IsPoorForTwoWindows(win, e.cfg.PoorQuality) {
		return true
	}
	return false
}

// ShouldGoDown implements the downward mode-selection policy, spec.md
// section 4.2, including the 10s hysteresis window.
func (e *Engine) ShouldGoDown(participantCount int, win *quality.Window) bool {
	if e.Mode() != ModeSFU {
		return false
	}
	if participantCount > e.cfg.P2PThreshold {
		return false
	}
	e.mu.Lock()
	sinceLast := time.Since(e.lastTransition)
	e.mu.Unlock()
	if sinceLast < e.cfg.MinTimeBetweenTransitions {
		return false
	}
	if win != nil && quality.IsPoorForTwoWindows(win, e.cfg.PoorQuality) {
		return false
	}
	return true
}

// Migrate runs the ten-step migration protocol from spec.md section 4.2.
// It returns apierr.TransitionInProgress if another migration is already
// running for this meeting (the single-flight gate).
func (e *Engine) Migrate(to Mode, reason string, host Host) error {
	if !e.transitioning.CompareAndSwap(false, true) {
		return apierr.TransitionInProgress("meeting %s already transitioning", e.meetingID)
	}
	defer e.transitioning.Store(false)

	e.mu.Lock()
	from := e.mode
	e.mode = ModeTransitioning
	start := time.Now()
	e.mu.Unlock()

	e.sink.EmitTransition(events.TransitionEvent{
		MeetingID: e.meetingID, Kind: events.TransitionStarted,
		FromMode: string(from), ToMode: string(to), Reason: reason, At: start,
	})

	descriptors, err := host.InstantiateTarget(to)
	if err != nil {
		e.rollback(from, to, reason, err)
		return err
	}

	e.sink.EmitTransition(events.TransitionEvent{
		MeetingID: e.meetingID, Kind: events.TransitionInfo,
		FromMode: string(from), ToMode: string(to), Reason: reason, At: time.Now(),
	})
	_ = descriptors // not forwarded: TransitionEvent has no field for them

	participants := host.Participants()
	acked := host.AwaitAcks(participants, e.cfg.TransitionTimeout)
	if len(acked) < len(participants) {
		e.log.Warn("migration committed with unacknowledged clients", map[string]any{
			"meeting": e.meetingID, "acked": len(acked), "total": len(participants),
		})
	}

	host.TeardownOld(from)

	now := time.Now()
	e.mu.Lock()
	e.mode = to
	e.lastTransition = now
	e.history = append(e.history, HistoryEntry{Mode: to, At: now, Reason: reason})
	e.mu.Unlock()

	e.sink.EmitTransition(events.TransitionEvent{
		MeetingID: e.meetingID, Kind: events.TransitionCompleted,
		FromMode: string(from), ToMode: string(to), Reason: reason,
		Duration: now.Sub(start), At: now,
	})

	if to == ModeMesh && len(participants) == e.cfg.P2PThreshold {
		e.SchedulePrewarm()
	}
	return nil
}

func (e *Engine) rollback(from, to Mode, reason string, cause error) {
	e.mu.Lock()
	e.mode = from
	e.mu.Unlock()
	e.log.Error("topology migration failed, rolled back", cause, map[string]any{
		"meeting": e.meetingID, "from": from, "to": to,
	})
	e.sink.EmitTransition(events.TransitionEvent{
		MeetingID: e.meetingID, Kind: events.TransitionFailed,
		FromMode: string(from), ToMode: string(to), Reason: reason, At: time.Now(),
	})
}

// SetPrewarmHooks wires the worker-pool callbacks SchedulePrewarm and the
// idle-reclaim timer invoke.
func (e *Engine) SetPrewarmHooks(onPrewarm, onReclaim func()) {
	e.prewarmMu.Lock()
	defer e.prewarmMu.Unlock()
	e.onPrewarm = onPrewarm
	e.onReclaim = onReclaim
}

// SchedulePrewarm implements spec.md section 4.2's pre-warm: eagerly
// create an SFU router once mesh occupancy reaches P2P_THRESHOLD, reclaim
// it if unused for PrewarmIdleTimeout.
func (e *Engine) SchedulePrewarm() {
	e.prewarmMu.Lock()
	defer e.prewarmMu.Unlock()
	if e.onPrewarm != nil {
		e.onPrewarm()
	}
	if e.prewarmTimer != nil {
		e.prewarmTimer.Stop()
	}
	e.prewarmTimer = time.AfterFunc(e.cfg.PrewarmIdleTimeout, func() {
		e.prewarmMu.Lock()
		reclaim := e.onReclaim
		e.prewarmMu.Unlock()
		if reclaim != nil {
			reclaim()
		}
	})
}

// CancelPrewarm stops any pending idle-reclaim timer, used when the
// pre-warmed router ends up used by an actual migration before the
// timeout fires.
func (e *Engine) CancelPrewarm() {
	e.prewarmMu.Lock()
	defer e.prewarmMu.Unlock()
	if e.prewarmTimer != nil {
		e.prewarmTimer.Stop()
		e.prewarmTimer = nil
	}
}
