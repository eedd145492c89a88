package sfu

import (
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
)

func testObserver(t *testing.T) (*activeSpeakerObserver, *events.Sink) {
	t.Helper()
	cfg := config.Default()
	cfg.ActiveSpeakerTickInterval = 10 * time.Millisecond
	cfg.ActiveSpeakerRateLimit = 0
	sink := events.NewSink()
	o := newActiveSpeakerObserver("meeting-1", cfg, sink)
	t.Cleanup(o.close)
	return o, sink
}

func awaitActiveSpeakers(t *testing.T, sink *events.Sink) events.ActiveSpeakerEvent {
	t.Helper()
	select {
	case e := <-sink.ActiveSpeakers:
		return e
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for an active speaker event")
		return events.ActiveSpeakerEvent{}
	}
}

func TestActiveSpeakerOrdersByLoudness(t *testing.T) {
	o, sink := testObserver(t)
	o.register("prod-1", "p1")
	o.register("prod-2", "p2")
	o.reportVolume("prod-1", -30)
	o.reportVolume("prod-2", -20)

	e := awaitActiveSpeakers(t, sink)
	if len(e.Speakers) != 2 || e.Speakers[0] != "p2" || e.Speakers[1] != "p1" {
		t.Fatalf("expected p2 (louder) before p1, got %+v", e.Speakers)
	}
}

func TestActiveSpeakerIgnoresBelowThreshold(t *testing.T) {
	o, sink := testObserver(t)
	o.register("prod-1", "p1")
	o.reportVolume("prod-1", -55)

	select {
	case e := <-sink.ActiveSpeakers:
		t.Fatalf("expected no active speaker event below threshold, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestActiveSpeakerTopKLimitsSetSize(t *testing.T) {
	o, sink := testObserver(t)
	cfgTopK := 3
	for i := 0; i < 5; i++ {
		pid := string(rune('a' + i))
		o.register("prod-"+pid, "p-"+pid)
		o.reportVolume("prod-"+pid, -20-float64(i))
	}

	e := awaitActiveSpeakers(t, sink)
	if len(e.Speakers) != cfgTopK {
		t.Fatalf("expected top %d speakers, got %d: %+v", cfgTopK, len(e.Speakers), e.Speakers)
	}
	if e.Speakers[0] != "p-a" {
		t.Fatalf("expected loudest speaker p-a first, got %+v", e.Speakers)
	}
}

func TestActiveSpeakerUnregisterDropsProducer(t *testing.T) {
	o, sink := testObserver(t)
	o.register("prod-1", "p1")
	o.reportVolume("prod-1", -20)
	_ = awaitActiveSpeakers(t, sink)

	o.unregister("prod-1")
	o.register("prod-2", "p2")
	o.reportVolume("prod-2", -20)

	e := awaitActiveSpeakers(t, sink)
	for _, s := range e.Speakers {
		if s == "p1" {
			t.Fatalf("expected p1 to be dropped after unregister, got %+v", e.Speakers)
		}
	}
}

func TestSetsEqualDetectsMembershipChange(t *testing.T) {
	a := map[string]bool{"p1": true, "p2": true}
	b := map[string]bool{"p1": true, "p2": true}
	if !setsEqual(a, b) {
		t.Fatalf("expected equal sets to compare equal")
	}
	c := map[string]bool{"p1": true}
	if setsEqual(a, c) {
		t.Fatalf("expected differently sized sets to compare unequal")
	}
}
