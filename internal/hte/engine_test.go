package hte

import (
	"sync"
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/quality"
)

type fakeHost struct {
	participants    []string
	instantiateErr  error
	ackAll          bool
	torndownFrom    Mode
	instantiatedTo  Mode
}

func (h *fakeHost) InstantiateTarget(to Mode) (map[string]any, error) {
	h.instantiatedTo = to
	if h.instantiateErr != nil {
		return nil, h.instantiateErr
	}
	return map[string]any{"ok": true}, nil
}

func (h *fakeHost) TeardownOld(from Mode) { h.torndownFrom = from }

func (h *fakeHost) Participants() []string { return h.participants }

func (h *fakeHost) AwaitAcks(ids []string, timeout time.Duration) []string {
	if h.ackAll {
		return ids
	}
	return nil
}

func newTestEngine(initial Mode) *Engine {
	cfg := config.Default()
	cfg.TransitionTimeout = 50 * time.Millisecond
	return New("m1", cfg, logging.New("test"), events.NewSink(), initial)
}

func TestShouldGoUpOnParticipantThreshold(t *testing.T) {
	e := newTestEngine(ModeMesh)
	if !e.ShouldGoUp(4, nil) {
		t.Fatalf("expected upward trigger at SFU_THRESHOLD")
	}
	if e.ShouldGoUp(2, nil) {
		t.Fatalf("should not trigger below threshold with no quality signal")
	}
}

func TestShouldGoUpOnPoorQuality(t *testing.T) {
	e := newTestEngine(ModeMesh)
	win := quality.NewWindow(10)
	win.Add(quality.Sample{PacketLossPct: 7, RTT: 230 * time.Millisecond, At: time.Now()})
	win.Add(quality.Sample{PacketLossPct: 7, RTT: 230 * time.Millisecond, At: time.Now()})
	if !e.ShouldGoUp(2, win) {
		t.Fatalf("expected poor-quality upward trigger")
	}
}

func TestShouldGoDownRespectsHysteresis(t *testing.T) {
	e := newTestEngine(ModeSFU)
	e.lastTransition = time.Now()
	if e.ShouldGoDown(3, nil) {
		t.Fatalf("expected hysteresis to block a downward transition right after one occurred")
	}
	e.lastTransition = time.Now().Add(-20 * time.Second)
	if !e.ShouldGoDown(3, nil) {
		t.Fatalf("expected downward transition once hysteresis window has passed")
	}
	if e.ShouldGoDown(5, nil) {
		t.Fatalf("should not trigger downward transition above P2P_THRESHOLD")
	}
}

func TestMigrateCommitsModeAndHistory(t *testing.T) {
	e := newTestEngine(ModeMesh)
	host := &fakeHost{participants: []string{"p1", "p2", "p3", "p4"}, ackAll: true}

	if err := e.Migrate(ModeSFU, "capacity", host); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if e.Mode() != ModeSFU {
		t.Fatalf("expected mode to commit to sfu, got %s", e.Mode())
	}
	hist := e.History()
	if len(hist) != 1 || hist[0].Mode != ModeSFU || hist[0].Reason != "capacity" {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if host.torndownFrom != ModeMesh {
		t.Fatalf("expected old mesh topology to be torn down")
	}
}

func TestMigrateRollsBackOnInstantiateFailure(t *testing.T) {
	e := newTestEngine(ModeMesh)
	host := &fakeHost{participants: []string{"p1"}, instantiateErr: errBoom}

	if err := e.Migrate(ModeSFU, "capacity", host); err == nil {
		t.Fatalf("expected Migrate to surface the instantiate error")
	}
	if e.Mode() != ModeMesh {
		t.Fatalf("expected mode to roll back to mesh on failure, got %s", e.Mode())
	}
	if len(e.History()) != 0 {
		t.Fatalf("a rolled-back migration must not append history")
	}
}

func TestMigrateCommitsAnywayOnAckTimeout(t *testing.T) {
	e := newTestEngine(ModeMesh)
	host := &fakeHost{participants: []string{"p1", "p2"}, ackAll: false}

	if err := e.Migrate(ModeSFU, "capacity", host); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if e.Mode() != ModeSFU {
		t.Fatalf("expected migration to commit despite unacknowledged clients")
	}
}

func TestMigrateSingleFlightRejectsConcurrentCall(t *testing.T) {
	e := newTestEngine(ModeMesh)
	blocking := &blockingHost{entered: make(chan struct{}), unblock: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.Migrate(ModeSFU, "capacity", blocking)
	}()

	<-blocking.entered
	err := e.Migrate(ModeSFU, "capacity", blocking)
	if err == nil {
		t.Fatalf("expected second concurrent Migrate to be rejected")
	}
	close(blocking.unblock)
	wg.Wait()
}

var errBoom = &boomErr{}

type boomErr struct{}

func (e *boomErr) Error() string { return "boom" }

type blockingHost struct {
	entered chan struct{}
	unblock chan struct{}
	once    sync.Once
}

func (h *blockingHost) InstantiateTarget(to Mode) (map[string]any, error) {
	h.once.Do(func() { close(h.entered) })
	<-h.unblock
	return map[string]any{}, nil
}

func (h *blockingHost) TeardownOld(from Mode)  {}
func (h *blockingHost) Participants() []string { return nil }
func (h *blockingHost) AwaitAcks(ids []string, timeout time.Duration) []string { return ids }
