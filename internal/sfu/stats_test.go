package sfu

import "testing"

func TestAggregateLossPctZeroWhenNoPackets(t *testing.T) {
	a := aggregate{}
	if a.lossPct() != 0 {
		t.Fatalf("expected 0 loss with no packets observed, got %f", a.lossPct())
	}
}

func TestAggregateLossPctComputesPercentage(t *testing.T) {
	a := aggregate{packetsTotal: 100, packetsLost: 5}
	if got := a.lossPct(); got != 5 {
		t.Fatalf("expected 5%% loss, got %f", got)
	}
}

func TestAggregateJitterMSConvertsSecondsToMillis(t *testing.T) {
	a := aggregate{jitterSum: 0.02, jitterCount: 2}
	if got := a.jitterMS(); got != 10 {
		t.Fatalf("expected 10ms average jitter, got %f", got)
	}
}

func TestAggregateJitterMSZeroWithNoSamples(t *testing.T) {
	a := aggregate{}
	if a.jitterMS() != 0 {
		t.Fatalf("expected 0 jitter with no samples, got %f", a.jitterMS())
	}
}
