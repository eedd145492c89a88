package quality

import (
	"testing"
	"time"

	"github.com/n0remac/meetcore/internal/config"
)

func TestWindowEvictsOldestPastCapacity(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Add(Sample{BitrateKbps: float64(i), At: time.Now()})
	}
	if w.Len() != 3 {
		t.Fatalf("expected capacity-bounded length 3, got %d", w.Len())
	}
	last, ok := w.Latest()
	if !ok || last.BitrateKbps != 4 {
		t.Fatalf("expected latest sample to be the most recently added, got %+v", last)
	}
	oldest := w.LastN(3)[0]
	if oldest.BitrateKbps != 2 {
		t.Fatalf("expected oldest retained sample to be index 2, got %+v", oldest)
	}
}

func TestIsPoorForTwoWindowsRequiresBothBreached(t *testing.T) {
	thresh := config.QualityThreshold{PacketLossPercent: 5, RTT: 200 * time.Millisecond}

	w := NewWindow(10)
	w.Add(Sample{PacketLossPct: 7, RTT: 230 * time.Millisecond, At: time.Now()})
	if IsPoorForTwoWindows(w, thresh) {
		t.Fatalf("a single sample should not count as two consecutive windows")
	}

	w.Add(Sample{PacketLossPct: 7, RTT: 230 * time.Millisecond, At: time.Now()})
	if !IsPoorForTwoWindows(w, thresh) {
		t.Fatalf("two consecutive poor samples should trip the detector")
	}

	w2 := NewWindow(10)
	w2.Add(Sample{PacketLossPct: 7, RTT: 230 * time.Millisecond, At: time.Now()})
	w2.Add(Sample{PacketLossPct: 2, RTT: 230 * time.Millisecond, At: time.Now()})
	if IsPoorForTwoWindows(w2, thresh) {
		t.Fatalf("a recovered sample should clear the poor-quality condition")
	}
}

func TestLastNNeverExceedsAvailableSamples(t *testing.T) {
	w := NewWindow(5)
	w.Add(Sample{At: time.Now()})
	if got := w.LastN(10); len(got) != 1 {
		t.Fatalf("expected LastN to clamp to available samples, got %d", len(got))
	}
}
