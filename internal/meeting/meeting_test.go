package meeting

import (
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/mwp"
)

func testMeeting(t *testing.T, maxParticipants int) *Meeting {
	t.Helper()
	cfg := config.Default()
	cfg.RequestDeadline = 2 * time.Second
	cfg.MeetingIdleTimeout = 50 * time.Millisecond
	pool, err := mwp.NewPool(1, cfg, logging.New("test"), nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	m := New("meeting-1", "host-1", Options{MaxParticipants: maxParticipants}, cfg, logging.New("test"), events.NewSink(), pool)
	t.Cleanup(m.Close)
	return m
}

func TestJoinLeaveRestoresMembership(t *testing.T) {
	m := testMeeting(t, 3)

	if err := m.Join(Participant{ID: "p1"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := m.Leave("p1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	info := m.Snapshot()
	if len(info.Participants) != 0 {
		t.Fatalf("expected empty membership after join;leave, got %+v", info.Participants)
	}
}

func TestJoinRejectsOverCapacity(t *testing.T) {
	m := testMeeting(t, 1)

	if err := m.Join(Participant{ID: "p1"}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	err := m.Join(Participant{ID: "p2"})
	if err == nil {
		t.Fatalf("expected CapacityExceeded for a second participant over the limit")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	m := testMeeting(t, 3)
	if err := m.Leave("never-joined"); err != nil {
		t.Fatalf("expected idempotent Leave to be a no-op, got %v", err)
	}
}

func TestGhostGraceResumeDoesNotDuplicate(t *testing.T) {
	m := testMeeting(t, 3)
	if err := m.Join(Participant{ID: "p1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	m.MarkSuspended("p1", nil)

	if err := m.Join(Participant{ID: "p1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("resume join: %v", err)
	}

	info := m.Snapshot()
	if len(info.Participants) != 1 {
		t.Fatalf("expected exactly one participant after ghost-grace resume, got %d", len(info.Participants))
	}
	if info.Participants[0].Suspended {
		t.Fatalf("expected resumed participant to no longer be suspended")
	}
}

func TestSetMediaStateBroadcastsAndPersists(t *testing.T) {
	m := testMeeting(t, 3)
	if err := m.Join(Participant{ID: "p1"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := m.SetMediaState("p1", events.MediaState{Audio: true, Video: true}); err != nil {
		t.Fatalf("SetMediaState: %v", err)
	}
	info := m.Snapshot()
	if !info.Participants[0].MediaState.Audio || !info.Participants[0].MediaState.Video {
		t.Fatalf("expected media state update to persist, got %+v", info.Participants[0].MediaState)
	}
}
