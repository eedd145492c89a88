// Package config centralizes every tunable enumerated in the
// specification's configuration section, reading environment variables
// the way the teacher's handlers read os.Getenv at the point of use
// (ENVIRONMENT, TURN_PASS, WEBRTC_DEBUG), but collected in one struct since
// the Meeting Lifecycle Manager, Hybrid Topology Engine, and SFU Router all
// share these values.
package config

import (
	"os"
	"strconv"
	"time"
)

// QualityThreshold bundles the packet-loss/RTT pair that defines "poor"
// link quality for the upward mesh->sfu trigger.
type QualityThreshold struct {
	PacketLossPercent float64
	RTT               time.Duration
}

// Config holds every process-wide constant from spec.md section 6.
type Config struct {
	P2PThreshold   int // max mesh occupancy before downward transition is eligible
	SFUThreshold   int // participant count that triggers mesh -> sfu

	TransitionTimeout           time.Duration
	MinTimeBetweenTransitions   time.Duration
	QualityCheckInterval        time.Duration
	PoorQuality                 QualityThreshold
	GhostGrace                  time.Duration
	HeartbeatInterval           time.Duration
	PrewarmIdleTimeout          time.Duration
	RequestDeadline             time.Duration

	MeetingIdleTimeout time.Duration // destroy meeting this long after last leave
	RegistryTTL        time.Duration // room snapshot TTL in the shared store

	ICEServers []ICEServer

	// Sliding quality-sample window size, N in spec.md section 3.
	QualitySampleWindow int

	// Active speaker observer tuning, spec.md section 4.3.
	ActiveSpeakerTopK          int
	ActiveSpeakerFloorDBFS     float64
	ActiveSpeakerThresholdDBFS float64
	ActiveSpeakerTickInterval  time.Duration
	ActiveSpeakerRateLimit     time.Duration

	// Consumer score-based layer adaptation thresholds, spec.md section 4.3.
	ConsumerScoreLow  float64
	ConsumerScoreHigh float64

	// Per-producer/consumer stats collection cadence, spec.md section 4.3.
	StatsCollectionInterval time.Duration

	// Worker pool sizing, spec.md section 4.7.
	WorkerReplaceTimeout time.Duration

	// Meeting-level router reallocation budget after a worker dies, spec.md
	// section 7's Fatal case: if reallocation fails within this window the
	// meeting is torn down with meeting-ended(reason=infra). Distinct from
	// WorkerReplaceTimeout, which bounds the pool's own worker-replacement.
	WorkerReallocationTimeout time.Duration

	// Data channel payload cap, spec.md section 4.3.
	DataChannelMaxBytes int
}

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Default returns the configuration implied by spec.md section 6,
// overridable via environment variables following the teacher's
// os.Getenv convention.
func Default() *Config {
	c := &Config{
		P2PThreshold:              3,
		SFUThreshold:              4,
		TransitionTimeout:         2000 * time.Millisecond,
		MinTimeBetweenTransitions: 10000 * time.Millisecond,
		QualityCheckInterval:      5000 * time.Millisecond,
		PoorQuality: QualityThreshold{
			PacketLossPercent: 5.0,
			RTT:               200 * time.Millisecond,
		},
		GhostGrace:                 15000 * time.Millisecond,
		HeartbeatInterval:          30000 * time.Millisecond,
		PrewarmIdleTimeout:         60000 * time.Millisecond,
		RequestDeadline:            30 * time.Second,
		MeetingIdleTimeout:         5 * time.Minute,
		RegistryTTL:                24 * time.Hour,
		QualitySampleWindow:        10,
		ActiveSpeakerTopK:          3,
		ActiveSpeakerFloorDBFS:     -60,
		ActiveSpeakerThresholdDBFS: -50,
		ActiveSpeakerTickInterval:  1 * time.Second,
		ActiveSpeakerRateLimit:     200 * time.Millisecond,
		ConsumerScoreLow:           5,
		ConsumerScoreHigh:          8,
		StatsCollectionInterval:    5 * time.Second,
		WorkerReplaceTimeout:       2 * time.Second,
		WorkerReallocationTimeout:  10 * time.Second,
		DataChannelMaxBytes:        16 * 1024,
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}

	if v := os.Getenv("TURN_URL"); v != "" {
		ice := ICEServer{
			URLs:       []string{v},
			Username:   os.Getenv("TURN_USER"),
			Credential: os.Getenv("TURN_PASS"),
		}
		c.ICEServers = append(c.ICEServers, ice)
	}

	if v := os.Getenv("SFU_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SFUThreshold = n
		}
	}
	if v := os.Getenv("P2P_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.P2PThreshold = n
		}
	}

	return c
}
