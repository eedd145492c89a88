package sfu

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Consumer is the server-side handle for one incoming media or data
// stream at the receiver's transport, spec.md section 3.
type Consumer struct {
	ID            string
	ParticipantID string // receiver
	ProducerID    string
	Kind          Kind

	// pauseMu serializes pause/resume per consumer so that "later resume
	// cannot race earlier pause", spec.md section 4.3 ordering guarantee.
	pauseMu sync.Mutex
	paused  bool
	priority int

	layerMu   sync.Mutex
	preferred PreferredLayers

	localTrack *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	dataChan   *webrtc.DataChannel

	stopCh  chan struct{}
	stopped sync.Once

	scoreWindow []float64 // recent per-consumer score samples for smoothing
}

func newMediaConsumer(id, participantID, producerID string, kind Kind, localTrack *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) *Consumer {
	return &Consumer{
		ID:            id,
		ParticipantID: participantID,
		ProducerID:    producerID,
		Kind:          kind,
		preferred:     startingLayers(),
		localTrack:    localTrack,
		sender:        sender,
		stopCh:        make(chan struct{}),
		priority:      1,
	}
}

func newDataConsumer(id, participantID, producerID string, dc *webrtc.DataChannel) *Consumer {
	return &Consumer{
		ID:            id,
		ParticipantID: participantID,
		ProducerID:    producerID,
		Kind:          KindData,
		dataChan:      dc,
		stopCh:        make(chan struct{}),
		priority:      1,
	}
}

// SetPaused serializes pause/resume transitions.
func (c *Consumer) SetPaused(v bool) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = v
}

func (c *Consumer) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

func (c *Consumer) SetPriority(p int) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.priority = p
}

func (c *Consumer) Priority() int {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.priority
}

func (c *Consumer) SetPreferredLayers(pl PreferredLayers) {
	c.layerMu.Lock()
	defer c.layerMu.Unlock()
	c.preferred = pl
}

func (c *Consumer) PreferredLayers() PreferredLayers {
	c.layerMu.Lock()
	defer c.layerMu.Unlock()
	return c.preferred
}

// pushScore records a consumer-score sample (0-10, mediasoup-style) and
// returns the smoothed value the adaptation rule in spec.md section 4.3
// reacts to.
func (c *Consumer) pushScore(s float64) float64 {
	c.layerMu.Lock()
	defer c.layerMu.Unlock()
	c.scoreWindow = append(c.scoreWindow, s)
	if len(c.scoreWindow) > 5 {
		c.scoreWindow = c.scoreWindow[len(c.scoreWindow)-5:]
	}
	var sum float64
	for _, v := range c.scoreWindow {
		sum += v
	}
	return sum / float64(len(c.scoreWindow))
}

func (c *Consumer) stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// writeRTP forwards one packet to this consumer's local track, remapping
// sequence/timestamp/SSRC the way n0remac-robot-webrtc's rtpRewrite does
// when stitching together packets that originate from a different
// upstream SSRC than the one negotiated with this consumer's sender.
func (c *Consumer) writeRTP(rw *rtpRewrite, pkt *rtp.Packet) error {
	mapped := rw.mapPacket(pkt)
	return c.localTrack.WriteRTP(mapped)
}
