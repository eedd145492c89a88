package sfu

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/n0remac/meetcore/internal/events"
)

// statsLoop implements spec.md section 4.3's "Statistics" note: every
// StatsCollectionInterval the router collects per-producer and
// per-consumer stats from pion's native webrtc.StatsReport and
// aggregates them into one per-participant sample on the meeting's Stats
// stream, which the Signaling Gateway pushes to clients as `stats`. The
// sample is not fed into HTE's quality windows.
func (r *Router) statsLoop() {
	ticker := time.NewTicker(r.cfg.StatsCollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.statsStop:
			return
		case <-ticker.C:
			r.collectStats()
		}
	}
}

func (r *Router) collectStats() {
	r.mu.Lock()
	participants := make([]*participantState, 0, len(r.participants))
	for _, ps := range r.participants {
		participants = append(participants, ps)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, ps := range participants {
		agg := aggregate{at: now}
		if ps.sendTransport != nil {
			r.accumulate(&agg, ps.sendTransport.PeerConnection().GetStats())
		}
		if ps.recvTransport != nil {
			r.accumulate(&agg, ps.recvTransport.PeerConnection().GetStats())
		}

		prev, had := r.statPrev[ps.id]
		var kbps float64
		if had {
			dt := now.Sub(prev.at).Seconds()
			if dt > 0 && agg.bytes >= prev.bytes {
				kbps = float64(agg.bytes-prev.bytes) * 8 / 1000 / dt
			}
		}
		r.mu.Lock()
		r.statPrev[ps.id] = statCounter{bytes: agg.bytes, at: now}
		r.mu.Unlock()

		r.sink.EmitStats(events.StatsEvent{
			MeetingID:     r.meetingID,
			ParticipantID: ps.id,
			BitrateKbps:   kbps,
			PacketLossPct: agg.lossPct(),
			JitterMS:      agg.jitterMS(),
			RTT:           agg.rtt,
			At:            now,
		})
	}
}

type aggregate struct {
	at           time.Time
	bytes        uint64
	packetsLost  int64
	packetsTotal int64
	jitterSum    float64
	jitterCount  int
	rtt          time.Duration
}

func (a *aggregate) lossPct() float64 {
	if a.packetsTotal <= 0 {
		return 0
	}
	pct := float64(a.packetsLost) / float64(a.packetsTotal) * 100
	if pct < 0 {
		pct = 0
	}
	return pct
}

func (a *aggregate) jitterMS() float64 {
	if a.jitterCount == 0 {
		return 0
	}
	return (a.jitterSum / float64(a.jitterCount)) * 1000
}

// accumulate walks one PeerConnection's StatsReport, pulling the fields
// spec.md section 3's quality sample needs out of pion's concrete stats
// types. Unknown/absent stat kinds are skipped rather than treated as an
// error, since not every pion version/browser populates every field.
func (r *Router) accumulate(agg *aggregate, report webrtc.StatsReport) {
	for _, raw := range report {
		switch s := raw.(type) {
		case webrtc.InboundRTPStreamStats:
			agg.bytes += s.BytesReceived
			agg.packetsTotal += int64(s.PacketsReceived) + s.PacketsLost
			if s.PacketsLost > 0 {
				agg.packetsLost += s.PacketsLost
			}
			agg.jitterSum += s.Jitter
			agg.jitterCount++
		case webrtc.OutboundRTPStreamStats:
			agg.bytes += s.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			agg.packetsLost += int64(s.PacketsLost)
			if s.RoundTripTime > 0 {
				agg.rtt = time.Duration(s.RoundTripTime * float64(time.Second))
			}
		case webrtc.CandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
				agg.rtt = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
}
