// Package mwp implements the Media Worker Pool: it owns native media
// workers, allocates per-meeting routers on them, and exposes the
// transport/producer/consumer primitives the SFU Router builds on, per
// spec.md section 4.7 and section 6's "Media worker interface".
package mwp

import (
	"context"
	"fmt"
	"sync"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
)

// DeathNotifier is called with the meeting ids that were hosted on a
// worker that died, so affected Meeting Lifecycle Managers can
// re-allocate per spec.md section 4.1's fatal-failure handling.
type DeathNotifier func(workerID string, meetingIDs []string)

// Pool initializes one worker per configured slot at startup (spec.md
// "one worker per CPU") and re-spawns a replacement within
// WorkerReplaceTimeout whenever a worker dies.
type Pool struct {
	cfg *config.Config
	log *logging.Logger

	mu      sync.Mutex
	workers map[string]*Worker

	onDeath DeathNotifier
}

// NewPool starts a pool with n workers.
func NewPool(n int, cfg *config.Config, log *logging.Logger, onDeath DeathNotifier) (*Pool, error) {
	if n <= 0 {
		n = 1
	}
	p := &Pool{cfg: cfg, log: log, workers: make(map[string]*Worker), onDeath: onDeath}
	for i := 0; i < n; i++ {
		w, err := newWorker()
		if err != nil {
			return nil, fmt.Errorf("mwp: spawn worker %d: %w", i, err)
		}
		p.workers[w.ID] = w
	}
	return p, nil
}

// Select implements the worker-selection scoring from spec.md section
// 4.7: score = cpu + 5*routerCount, lowest wins, round-robin fallback
// when every worker is over 80% cpu.
func (p *Pool) Select() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Worker
	var bestScore int64 = -1
	allOverloaded := true
	var roundRobin []*Worker

	for _, w := range p.workers {
		if !w.Alive() {
			continue
		}
		roundRobin = append(roundRobin, w)
		if w.CPULoad() < 80 {
			allOverloaded = false
		}
		score := w.Score()
		if best == nil || score < bestScore {
			best = w
			bestScore = score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("mwp: no live workers")
	}
	if allOverloaded && len(roundRobin) > 0 {
		// Round-robin fallback: pick the worker with the fewest routers
		// among the overloaded set, a stable deterministic substitute for
		// a rotating cursor.
		rr := roundRobin[0]
		for _, w := range roundRobin[1:] {
			if w.RouterCount() < rr.RouterCount() {
				rr = w
			}
		}
		return rr, nil
	}
	return best, nil
}

// CreateRouter selects a worker and allocates a router for meetingID.
func (p *Pool) CreateRouter(meetingID string) (*Router, error) {
	w, err := p.Select()
	if err != nil {
		return nil, err
	}
	return w.CreateRouter(meetingID), nil
}

// KillWorker simulates the native process dying. Only tests call it: the
// pool has no heartbeat-driven liveness monitor, so a worker is treated
// as dead only when KillWorker is called.
func (p *Pool) KillWorker(workerID string) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return
	}
	meetingIDs := w.Routers()
	w.kill()
	p.log.Error("worker died", nil, map[string]any{"worker": workerID, "meetings": len(meetingIDs)})

	go p.replace(workerID, meetingIDs)
}

func (p *Pool) replace(deadID string, meetingIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WorkerReplaceTimeout)
	defer cancel()

	done := make(chan *Worker, 1)
	go func() {
		w, err := newWorker()
		if err != nil {
			p.log.Error("worker replacement failed", err, map[string]any{"dead": deadID})
			return
		}
		done <- w
	}()

	select {
	case w := <-done:
		p.mu.Lock()
		delete(p.workers, deadID)
		p.workers[w.ID] = w
		p.mu.Unlock()
		p.log.Info("worker replaced", map[string]any{"dead": deadID, "new": w.ID})
		if p.onDeath != nil {
			p.onDeath(deadID, meetingIDs)
		}
	case <-ctx.Done():
		p.log.Error("worker replacement exceeded budget", ctx.Err(), map[string]any{"dead": deadID, "budget": p.cfg.WorkerReplaceTimeout})
		// Still notify affected meetings so they can mark themselves
		// degraded even though no replacement landed in time.
		if p.onDeath != nil {
			p.onDeath(deadID, meetingIDs)
		}
	}
}

// Size reports the number of workers currently tracked (alive or not yet
// reaped), mainly for health/metrics endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close tears down every worker's routers. Used on process shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	for _, w := range workers {
		for _, id := range w.Routers() {
			w.CloseRouter(id)
		}
	}
}
