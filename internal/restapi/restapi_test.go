package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/meeting"
	"github.com/n0remac/meetcore/internal/mwp"
)

func testServer(t *testing.T) (*httptest.Server, *meeting.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.RequestDeadline = 2 * time.Second
	cfg.TransitionTimeout = 50 * time.Millisecond
	pool, err := mwp.NewPool(1, cfg, logging.New("test"), nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	mgr := meeting.NewManager(cfg, logging.New("test"), pool, nil)
	api := New(mgr, logging.New("test"))
	mux := http.NewServeMux()
	api.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestCreateRoomReturns201(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/rooms", "application/json", strings.NewReader(`{"hostPeerId":"host-1","maxParticipants":8}`))
	if err != nil {
		t.Fatalf("POST /rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RoomID == "" {
		t.Fatalf("expected a non-empty roomId")
	}
}

func TestCreateRoomRejectsMissingHost(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/rooms", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for missing hostPeerId, got %d", resp.StatusCode)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/rooms/does-not-exist")
	if err != nil {
		t.Fatalf("GET /rooms/{id}: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetRoomReturnsSnapshot(t *testing.T) {
	srv, mgr := testServer(t)
	m, err := mgr.Create("room-x", "host-1", meeting.Options{MaxParticipants: 8})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Join(meeting.Participant{ID: "p1", Host: true}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	resp, err := http.Get(srv.URL + "/rooms/room-x")
	if err != nil {
		t.Fatalf("GET /rooms/{id}: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var view roomView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Participants) != 1 || view.Participants[0].ID != "p1" {
		t.Fatalf("expected p1 in snapshot, got %+v", view.Participants)
	}
}

func TestDeleteRoom(t *testing.T) {
	srv, mgr := testServer(t)
	if _, err := mgr.Create("room-y", "host-1", meeting.Options{MaxParticipants: 8}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rooms/room-y", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /rooms/{id}: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, ok := mgr.Get("room-y"); ok {
		t.Fatalf("expected room to be gone from the manager after delete")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
}
