package mwp

import (
	"sync"

	"github.com/google/uuid"
)

// Router is the per-meeting allocation unit on a Worker (spec.md section
// 4.7: "allocates routers"). It owns every Transport created for
// participants of one meeting on this worker.
type Router struct {
	ID        string
	MeetingID string

	worker *Worker

	mu         sync.Mutex
	transports map[string]*Transport
	closed     bool
}

func newRouter(w *Worker, meetingID string) *Router {
	return &Router{
		ID:         "router-" + uuid.NewString(),
		MeetingID:  meetingID,
		worker:     w,
		transports: make(map[string]*Transport),
	}
}

// CreateTransport allocates a new WebRTC transport (one pion
// PeerConnection) for a participant's send or receive direction, per the
// "createWebRtcTransport" operation in spec.md section 6.
func (r *Router) CreateTransport(participantID string, direction Direction) (*Transport, error) {
	t, err := newTransport(r.worker.api, participantID, direction)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.ID] = t
	return t, nil
}

// Transport looks up a previously created transport by id.
func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// Transports lists every transport currently allocated on this router,
// used to find a participant's send/recv transport for restartIce.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

// CloseTransport tears down and forgets one transport (participant leave).
func (r *Router) CloseTransport(id string) {
	r.mu.Lock()
	t, ok := r.transports[id]
	delete(r.transports, id)
	r.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Close tears down every transport on this router.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.transports = map[string]*Transport{}
	r.mu.Unlock()

	for _, t := range ts {
		t.Close()
	}
}
