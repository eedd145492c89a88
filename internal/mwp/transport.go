package mwp

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Direction distinguishes a participant's send transport (producers
// travel server-ward) from their receive transport (consumers travel
// client-ward), per spec.md section 3 "per-direction transports".
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

var (
	ErrRouterClosed     = errors.New("mwp: router closed")
	ErrTransportClosed  = errors.New("mwp: transport closed")
	ErrNoRemoteYet      = errors.New("mwp: remote description not yet set")
)

// IceConnectDescriptor mirrors the {id, iceParameters, iceCandidates,
// dtlsParameters, sctpParameters} shape of spec.md section 6's
// createWebRtcTransport return value. Pion folds ICE/DTLS negotiation
// into the SDP it exchanges, so the descriptor here carries the
// transport id and the offer SDP a caller relays to the client.
type IceConnectDescriptor struct {
	ID  string
	SDP *webrtc.SessionDescription
}

// Transport wraps one pion PeerConnection with the negotiation machinery
// n0remac-robot-webrtc's webrtc/sfu.go hand-rolled: ICE-candidate
// buffering until the remote description lands, offer/answer glare
// handling via a polite/impolite peer flag, and debounced/coalesced
// renegotiation so that adding several producers or consumers back to
// back doesn't storm the signaling channel with offers.
type Transport struct {
	ID            string
	ParticipantID string
	Direction     Direction

	pc *webrtc.PeerConnection

	candMu    sync.Mutex
	candQueue []webrtc.ICECandidateInit
	remoteSet bool

	negCh   chan struct{}
	negOnce sync.Once
	closed  chan struct{}

	makingOffer atomic.Bool
	polite      atomic.Bool

	// OnOffer is invoked with a freshly negotiated local offer/answer that
	// must be relayed to the client. Set by the caller (SFU Router) before
	// use; fired from the negotiator goroutine.
	OnOffer func(sdp *webrtc.SessionDescription)
	// OnICECandidate is invoked for every locally gathered ICE candidate.
	OnICECandidate func(c *webrtc.ICECandidateInit)
	// OnClosed fires once the underlying PeerConnection transitions to
	// failed or closed, so owners can trigger restartIce/cleanup.
	OnClosed func()
}

func newTransport(api *webrtc.API, participantID string, dir Direction) (*Transport, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	t := &Transport{
		ID:            "transport-" + uuid.NewString(),
		ParticipantID: participantID,
		Direction:     dir,
		pc:            pc,
		negCh:         make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	t.wireEvents()
	t.negOnce.Do(func() { go t.negotiatorLoop() })
	return t, nil
}

func (t *Transport) wireEvents() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.OnICECandidate == nil {
			return
		}
		ice := c.ToJSON()
		t.OnICECandidate(&ice)
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if t.OnClosed != nil {
				t.OnClosed()
			}
		}
	})
}

// PeerConnection exposes the underlying pion connection for track
// add/remove and RTP/RTCP plumbing the SFU Router needs directly.
func (t *Transport) PeerConnection() *webrtc.PeerConnection { return t.pc }

// SetPolite marks this transport as the "polite" side of offer/answer
// glare resolution (rolls back its own offer instead of ignoring the
// incoming one). The server is polite towards SFU-mode clients so that a
// client-initiated renegotiation (e.g. adding a new camera) never loses a
// race against server-initiated consumer wiring.
func (t *Transport) SetPolite(polite bool) { t.polite.Store(polite) }

// RequestNegotiation asks the negotiator goroutine to (re)offer, coalescing
// multiple requests that land within the debounce window.
func (t *Transport) RequestNegotiation() {
	select {
	case t.negCh <- struct{}{}:
	default:
	}
}

func (t *Transport) negotiatorLoop() {
	const debounce = 25 * time.Millisecond

	waitStable := func() bool {
		for {
			if t.pc.SignalingState() == webrtc.SignalingStateStable {
				return true
			}
			select {
			case <-t.closed:
				return false
			case <-time.After(15 * time.Millisecond):
			}
		}
	}

	for {
		select {
		case <-t.closed:
			return
		case <-t.negCh:
		}

		deadline := time.NewTimer(debounce)
	coalesce:
		for {
			select {
			case <-t.closed:
				deadline.Stop()
				return
			case <-t.negCh:
			case <-deadline.C:
				break coalesce
			}
		}

		if !waitStable() {
			return
		}

		t.makingOffer.Store(true)
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			t.makingOffer.Store(false)
			continue
		}
		if t.pc.SignalingState() != webrtc.SignalingStateStable {
			t.makingOffer.Store(false)
			continue
		}
		if err := t.pc.SetLocalDescription(offer); err != nil {
			t.makingOffer.Store(false)
			continue
		}
		t.makingOffer.Store(false)

		if ld := t.pc.LocalDescription(); ld != nil && t.OnOffer != nil {
			t.OnOffer(ld)
		}
	}
}

// HandleOffer processes a client-initiated offer, resolving glare per the
// polite/impolite rule, and returns the answer to relay back.
func (t *Transport) HandleOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	collision := t.makingOffer.Load() || t.pc.SignalingState() != webrtc.SignalingStateStable
	if collision && !t.polite.Load() {
		return nil, nil // impolite: ignore the incoming offer
	}
	if collision {
		if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return nil, err
		}
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	t.flushCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return t.pc.LocalDescription(), nil
}

// HandleAnswer applies a client answer to a server-initiated offer.
func (t *Transport) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	t.flushCandidates()
	return nil
}

// AddICECandidate buffers the candidate until the remote description is
// set, matching the candQueue pattern in n0remac-robot-webrtc's sfu.go.
func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.candMu.Lock()
	if !t.remoteSet || t.pc.RemoteDescription() == nil {
		t.candQueue = append(t.candQueue, c)
		t.candMu.Unlock()
		return nil
	}
	t.candMu.Unlock()
	return t.pc.AddICECandidate(c)
}

func (t *Transport) flushCandidates() {
	t.candMu.Lock()
	t.remoteSet = true
	queued := t.candQueue
	t.candQueue = nil
	t.candMu.Unlock()
	for _, c := range queued {
		_ = t.pc.AddICECandidate(c)
	}
}

// RestartICE implements the "restartIce -> iceParameters" contract of
// spec.md section 6, used both on client request and when a worker dies
// and transports are re-hosted.
func (t *Transport) RestartICE() (*webrtc.SessionDescription, error) {
	if t.pc.SignalingState() != webrtc.SignalingStateStable {
		return nil, nil
	}
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return t.pc.LocalDescription(), nil
}

// Close tears down the PeerConnection and stops the negotiator goroutine.
func (t *Transport) Close() {
	select {
	case <-t.closed:
		return
	default:
		close(t.closed)
	}
	_ = t.pc.Close()
}
