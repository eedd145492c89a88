package mwp

import (
	"sync"
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
)

func testPool(t *testing.T, n int) *Pool {
	t.Helper()
	cfg := config.Default()
	cfg.WorkerReplaceTimeout = 200 * time.Millisecond
	p, err := NewPool(n, cfg, logging.New("test"), nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func TestPoolSelectPrefersLowerScore(t *testing.T) {
	p := testPool(t, 2)

	var ids []string
	p.mu.Lock()
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	p.workers[ids[0]].SetCPULoad(50)
	p.workers[ids[1]].SetCPULoad(10)

	w, err := p.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if w.ID != ids[1] {
		t.Fatalf("expected lower-load worker %s, got %s", ids[1], w.ID)
	}
}

func TestPoolReplacesDeadWorker(t *testing.T) {
	p := testPool(t, 1)

	var deadID string
	p.mu.Lock()
	for id := range p.workers {
		deadID = id
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	var notifiedDead string
	p.onDeath = func(workerID string, meetingIDs []string) {
		notifiedDead = workerID
		wg.Done()
	}

	p.KillWorker(deadID)
	wg.Wait()

	if notifiedDead != deadID {
		t.Fatalf("expected notification for %s, got %s", deadID, notifiedDead)
	}
	if p.Size() != 1 {
		t.Fatalf("expected pool to still have 1 worker after replacement, got %d", p.Size())
	}
	p.mu.Lock()
	_, stillThere := p.workers[deadID]
	p.mu.Unlock()
	if stillThere {
		t.Fatalf("dead worker id should have been replaced")
	}
}

func TestRouterCreateAndCloseTransport(t *testing.T) {
	p := testPool(t, 1)
	r, err := p.CreateRouter("meeting-1")
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	tr, err := r.CreateTransport("participant-1", DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if _, ok := r.Transport(tr.ID); !ok {
		t.Fatalf("expected transport to be registered")
	}
	r.CloseTransport(tr.ID)
	if _, ok := r.Transport(tr.ID); ok {
		t.Fatalf("expected transport to be removed after close")
	}
}
