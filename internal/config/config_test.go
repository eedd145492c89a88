package config

import "testing"

func TestDefaultMatchesSpecConstants(t *testing.T) {
	c := Default()
	if c.P2PThreshold != 3 {
		t.Errorf("P2PThreshold = %d, want 3", c.P2PThreshold)
	}
	if c.SFUThreshold != 4 {
		t.Errorf("SFUThreshold = %d, want 4", c.SFUThreshold)
	}
	if c.TransitionTimeout.Milliseconds() != 2000 {
		t.Errorf("TransitionTimeout = %v, want 2000ms", c.TransitionTimeout)
	}
	if c.MinTimeBetweenTransitions.Milliseconds() != 10000 {
		t.Errorf("MinTimeBetweenTransitions = %v, want 10000ms", c.MinTimeBetweenTransitions)
	}
	if c.GhostGrace.Milliseconds() != 15000 {
		t.Errorf("GhostGrace = %v, want 15000ms", c.GhostGrace)
	}
}

func TestEnvOverridesThresholds(t *testing.T) {
	t.Setenv("SFU_THRESHOLD", "6")
	t.Setenv("P2P_THRESHOLD", "2")
	c := Default()
	if c.SFUThreshold != 6 {
		t.Errorf("expected SFU_THRESHOLD env override to apply, got %d", c.SFUThreshold)
	}
	if c.P2PThreshold != 2 {
		t.Errorf("expected P2P_THRESHOLD env override to apply, got %d", c.P2PThreshold)
	}
}

func TestTurnURLAddsICEServer(t *testing.T) {
	t.Setenv("TURN_URL", "turn:example.com:3478")
	t.Setenv("TURN_USER", "u")
	t.Setenv("TURN_PASS", "p")
	c := Default()
	found := false
	for _, s := range c.ICEServers {
		if len(s.URLs) == 1 && s.URLs[0] == "turn:example.com:3478" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected TURN_URL to add an ICE server, got %+v", c.ICEServers)
	}
}
