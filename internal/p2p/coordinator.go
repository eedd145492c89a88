// Package p2p implements the P2P Coordinator, spec.md section 4.4: a
// pure relay of offer/answer/ice-candidate between mesh peers, plus
// link-quality reporting. It stores no media state, mirroring
// n0remac-robot-webrtc's "peer to peer" signaling path in
// websocket.go before an SFU was bolted on, generalized from a
// broadcast-to-room model to an explicit {fromPeerId, toPeerId} relay
// so spoofed sender ids are rejected.
package p2p

import (
	"encoding/json"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/logging"
)

// SignalKind enumerates the relayed payload types, spec.md section 4.4.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

// Signal is one relayed message. Payload is forwarded verbatim: "bridge
// keyframes, SDP bodies, and candidate payloads are never inspected."
type Signal struct {
	Kind        SignalKind      `json:"kind"`
	FromPeerID  string          `json:"fromPeerId"`
	ToPeerID    string          `json:"toPeerId"`
	Payload     json.RawMessage `json:"payload"`
}

// Deliver is how the coordinator hands a validated signal to whatever
// transport owns the destination peer's connection (the Signaling
// Gateway, in this system).
type Deliver func(toPeerID string, s Signal) error

// PeerSet answers "is this participant currently in the meeting" so a
// relay target can be validated without the coordinator owning meeting
// membership itself (that stays with the Meeting Lifecycle Manager).
type PeerSet interface {
	HasPeer(peerID string) bool
}

// Coordinator relays signaling for one mesh-mode meeting.
type Coordinator struct {
	meetingID string
	log       *logging.Logger
	peers     PeerSet
	deliver   Deliver

	quality map[string]LinkQuality
}

// LinkQuality is the coarse per-peer report clients volunteer for HTE's
// quality-driven transition trigger; the coordinator only stores the
// latest sample, it never acts on it.
type LinkQuality struct {
	PacketLossPercent float64
	RTTMillis         float64
}

func New(meetingID string, log *logging.Logger, peers PeerSet, deliver Deliver) *Coordinator {
	return &Coordinator{
		meetingID: meetingID,
		log:       log,
		peers:     peers,
		deliver:   deliver,
		quality:   make(map[string]LinkQuality),
	}
}

// Relay forwards s to s.ToPeerID after validating that callerID matches
// s.FromPeerID (anti-spoofing, spec.md section 4.4) and that ToPeerID is
// a current peer in the meeting.
func (c *Coordinator) Relay(callerID string, s Signal) error {
	if s.FromPeerID != callerID {
		return apierr.New(apierr.Unauthorized, "SpoofedSender", "fromPeerId %q does not match caller %q", s.FromPeerID, callerID)
	}
	if !c.peers.HasPeer(s.ToPeerID) {
		return apierr.NotFoundErr("PeerNotFound", "peer %s not in meeting %s", s.ToPeerID, c.meetingID)
	}
	return c.deliver(s.ToPeerID, s)
}

// ReportQuality records a peer's latest link-quality sample, forwarded by
// the Meeting Lifecycle Manager's updateQuality() into HTE's evaluation.
func (c *Coordinator) ReportQuality(peerID string, q LinkQuality) {
	c.quality[peerID] = q
}

// Quality returns the latest sample for a peer, if any.
func (c *Coordinator) Quality(peerID string) (LinkQuality, bool) {
	q, ok := c.quality[peerID]
	return q, ok
}

// RemovePeer forgets a departed peer's quality sample.
func (c *Coordinator) RemovePeer(peerID string) {
	delete(c.quality, peerID)
}
