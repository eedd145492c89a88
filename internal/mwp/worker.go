package mwp

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Worker stands in for one native media-worker process, per spec.md
// section 4.7 / section 6 "Media worker interface". In-process it owns a
// pion webrtc.API and a set of Routers; the scoring and liveness mechanics
// match the real multi-process design even though the "process" here is a
// goroutine-hosted API instance (see DESIGN.md for why this stays
// in-process rather than over gRPC).
type Worker struct {
	ID  string
	api *webrtc.API

	mu      sync.Mutex
	routers map[string]*Router // meetingID -> Router
	alive   atomic.Bool

	// cpuLoad is a synthetic 0-100 load figure updated by whatever the
	// deployment's resource monitor reports; Pool scoring only needs a
	// comparable number across workers.
	cpuLoad atomic.Int64
}

func newWorker() (*Worker, error) {
	api, err := NewMediaAPI()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		ID:      "worker-" + uuid.NewString(),
		api:     api,
		routers: make(map[string]*Router),
	}
	w.alive.Store(true)
	return w, nil
}

// Alive reports whether the worker is still taking new work.
func (w *Worker) Alive() bool { return w.alive.Load() }

// RouterCount returns the number of routers currently hosted, used by the
// pool's load-scoring formula (score = cpu + 5*routerCount, spec.md 4.7).
func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

// CPULoad returns the last-reported synthetic CPU load percentage.
func (w *Worker) CPULoad() int64 { return w.cpuLoad.Load() }

// SetCPULoad lets the host process update the load figure used for
// scoring; in a real deployment this is sampled from the OS/worker
// heartbeat.
func (w *Worker) SetCPULoad(pct int64) { w.cpuLoad.Store(pct) }

// Score implements the selection formula from spec.md section 4.7.
func (w *Worker) Score() int64 {
	return w.cpuLoad.Load() + 5*int64(w.RouterCount())
}

// CreateRouter allocates a Router for meetingID on this worker, or returns
// the existing one (routers are idempotent per meeting per worker).
func (w *Worker) CreateRouter(meetingID string) *Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.routers[meetingID]; ok {
		return r
	}
	r := newRouter(w, meetingID)
	w.routers[meetingID] = r
	return r
}

// CloseRouter tears down and forgets the router for meetingID.
func (w *Worker) CloseRouter(meetingID string) {
	w.mu.Lock()
	r, ok := w.routers[meetingID]
	delete(w.routers, meetingID)
	w.mu.Unlock()
	if ok {
		r.Close()
	}
}

// Routers returns a snapshot of meeting IDs hosted on this worker, used
// when the worker dies and the pool needs to notify affected meetings.
func (w *Worker) Routers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.routers))
	for id := range w.routers {
		ids = append(ids, id)
	}
	return ids
}

// kill marks the worker dead, simulating the native process dying. Pool
// detects this and spawns a replacement within WorkerReplaceTimeout.
func (w *Worker) kill() {
	w.alive.Store(false)
}
