// Package quality implements the bounded per-participant sliding window of
// link-quality samples described in spec.md section 3, and the
// poor-quality detection the Hybrid Topology Engine consults for the
// upward mesh->sfu trigger.
package quality

import (
	"time"

	"github.com/n0remac/meetcore/internal/config"
)

// Sample is a single quality report, spec.md section 3.
type Sample struct {
	BitrateKbps   float64
	PacketLossPct float64
	JitterMS      float64
	RTT           time.Duration
	At            time.Time
}

// Window is a fixed-capacity ring of the most recent N samples.
type Window struct {
	cap     int
	samples []Sample
}

// NewWindow allocates a Window bounded to capacity n.
func NewWindow(n int) *Window {
	if n <= 0 {
		n = 10
	}
	return &Window{cap: n, samples: make([]Sample, 0, n)}
}

// Add appends a sample, evicting the oldest once capacity is reached.
func (w *Window) Add(s Sample) {
	if len(w.samples) == w.cap {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, s)
}

// Latest returns the most recent sample and whether the window is non-empty.
func (w *Window) Latest() (Sample, bool) {
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Len reports how many samples are currently retained.
func (w *Window) Len() int {
	return len(w.samples)
}

// LastN returns up to n of the most recent samples, oldest first.
func (w *Window) LastN(n int) []Sample {
	if n > len(w.samples) {
		n = len(w.samples)
	}
	return append([]Sample(nil), w.samples[len(w.samples)-n:]...)
}

// IsPoorForTwoWindows implements the upward-transition quality trigger in
// spec.md section 4.2: average packet loss over 5% and RTT over 200ms for
// two consecutive quality-check windows.
func IsPoorForTwoWindows(w *Window, thresh config.QualityThreshold) bool {
	recent := w.LastN(2)
	if len(recent) < 2 {
		return false
	}
	for _, s := range recent {
		if s.PacketLossPct <= thresh.PacketLossPercent || s.RTT <= thresh.RTT {
			return false
		}
	}
	return true
}
