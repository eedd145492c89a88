package registry

import (
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
)

func testRegistry(t *testing.T, notify PeerLeftNotifier) *Registry {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := config.Default()
	cfg.RegistryTTL = time.Hour
	r, err := New(db, cfg, logging.New("test"), notify)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestPutAndGetSnapshot(t *testing.T) {
	r := testRegistry(t, nil)
	s := Snapshot{MeetingID: "m1", HostID: "h1", Topology: "mesh", Participants: []string{"p1", "p2"}, CreatedAt: time.Now()}
	if err := r.PutSnapshot(s); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	got, err := r.GetSnapshot("m1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.HostID != "h1" || len(got.Participants) != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	r := testRegistry(t, nil)
	if _, err := r.GetSnapshot("missing"); err == nil {
		t.Fatalf("expected NotFound error for a missing room")
	}
}

func TestDisconnectSocketRemovesParticipantAndNotifies(t *testing.T) {
	var notifiedMeeting, notifiedParticipant string
	var notifiedEmpty bool
	r := testRegistry(t, func(meetingID, participantID string, empty bool) {
		notifiedMeeting, notifiedParticipant, notifiedEmpty = meetingID, participantID, empty
	})

	s := Snapshot{MeetingID: "m1", HostID: "h1", Participants: []string{"p1", "p2"}, CreatedAt: time.Now()}
	if err := r.PutSnapshot(s); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if err := r.BindSocket("sock-1", "m1", "p1"); err != nil {
		t.Fatalf("BindSocket: %v", err)
	}

	if err := r.DisconnectSocket("sock-1"); err != nil {
		t.Fatalf("DisconnectSocket: %v", err)
	}

	got, err := r.GetSnapshot("m1")
	if err != nil {
		t.Fatalf("GetSnapshot after disconnect: %v", err)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "p2" {
		t.Fatalf("expected only p2 to remain, got %+v", got.Participants)
	}
	if notifiedMeeting != "m1" || notifiedParticipant != "p1" || notifiedEmpty {
		t.Fatalf("unexpected notification: meeting=%s participant=%s empty=%v", notifiedMeeting, notifiedParticipant, notifiedEmpty)
	}
}

func TestDisconnectSocketDeletesMeetingWhenEmpty(t *testing.T) {
	r := testRegistry(t, nil)
	s := Snapshot{MeetingID: "m1", HostID: "h1", Participants: []string{"p1"}, CreatedAt: time.Now()}
	if err := r.PutSnapshot(s); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if err := r.BindSocket("sock-1", "m1", "p1"); err != nil {
		t.Fatalf("BindSocket: %v", err)
	}
	if err := r.DisconnectSocket("sock-1"); err != nil {
		t.Fatalf("DisconnectSocket: %v", err)
	}
	if _, err := r.GetSnapshot("m1"); err == nil {
		t.Fatalf("expected meeting to be deleted once its last participant disconnects")
	}
}

func TestDisconnectSocketIsIdempotent(t *testing.T) {
	r := testRegistry(t, nil)
	if err := r.DisconnectSocket("never-bound"); err != nil {
		t.Fatalf("expected idempotent disconnect for an unknown socket, got %v", err)
	}
}

func TestAddParticipantAppendsAndIsIdempotent(t *testing.T) {
	r := testRegistry(t, nil)
	s := Snapshot{MeetingID: "m1", HostID: "h1", Participants: []string{"h1"}, CreatedAt: time.Now()}
	if err := r.PutSnapshot(s); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if err := r.AddParticipant("m1", "p2"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := r.AddParticipant("m1", "p2"); err != nil {
		t.Fatalf("AddParticipant (repeat): %v", err)
	}

	got, err := r.GetSnapshot("m1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("expected h1 and p2 only, got %+v", got.Participants)
	}
}

func TestAddParticipantMissingRoom(t *testing.T) {
	r := testRegistry(t, nil)
	if err := r.AddParticipant("missing", "p1"); err == nil {
		t.Fatalf("expected NotFound error for a missing room")
	}
}
