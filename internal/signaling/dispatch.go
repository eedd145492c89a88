package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/meeting"
	"github.com/n0remac/meetcore/internal/mwp"
	"github.com/n0remac/meetcore/internal/p2p"
	"github.com/n0remac/meetcore/internal/sfu"
)

// Manager is the narrow surface the gateway needs from the meeting
// registry: look an existing meeting up, create one on the host's first
// join-room, and mirror socket bind/disconnect into the Room Registry
// (spec.md section 4.6).
type Manager interface {
	Get(meetingID string) (*meeting.Meeting, bool)
	Create(meetingID, hostID string, opts meeting.Options) (*meeting.Meeting, error)
	BindSocket(socketID, meetingID, participantID string)
	DisconnectSocket(socketID string)
}

// Dispatcher routes inbound wire messages to Meeting operations, per
// spec.md section 4.5's request/reply table.
type Dispatcher struct {
	mgr     Manager
	deliver func(meetingID, toPeerID string, s p2p.Signal) error
	log     *logging.Logger
}

// NewDispatcher builds a Dispatcher. deliver hands a relayed P2P signal
// to whatever connection is currently bound to (meetingID, toPeerID) --
// only the Hub knows that mapping, since a participant's Connection can
// change across reconnects.
func NewDispatcher(mgr Manager, deliver func(meetingID, toPeerID string, s p2p.Signal) error, log *logging.Logger) *Dispatcher {
	return &Dispatcher{mgr: mgr, deliver: deliver, log: log}
}

func (d *Dispatcher) route(c *Connection, msg inbound) {
	switch msg.Type {
	case TypeJoinRoom:
		d.joinRoom(c, msg)
	case TypeLeaveRoom:
		d.leaveRoom(c, msg)
	case TypeOffer:
		d.offer(c, msg)
	case TypeAnswer:
		d.answer(c, msg)
	case TypeICECandidate:
		d.iceCandidate(c, msg)
	case TypeMediaStateChanged:
		d.mediaState(c, msg)
	case TypeTransitionAcknowledged:
		d.transitionAck(c, msg)
	case TypeRequestConnRefresh:
		d.requestConnRefresh(c, msg)
	case TypeGetRouterCapabilities:
		d.getRouterCapabilities(c, msg)
	case TypeSetRTPCapabilities:
		d.setRTPCapabilities(c, msg)
	case TypeCreateTransport:
		d.createTransport(c, msg)
	case TypeConnectTransport:
		d.connectTransport(c, msg)
	case TypeProduce:
		d.produce(c, msg)
	case TypeProduceData:
		d.produceData(c, msg)
	case TypeConsume:
		d.consume(c, msg)
	case TypeConsumeData:
		d.consumeData(c, msg)
	case TypePause:
		d.pause(c, msg)
	case TypeResume:
		d.resume(c, msg)
	case TypeSetPreferredLayers:
		d.setPreferredLayers(c, msg)
	case TypeSetPriority:
		d.setPriority(c, msg)
	case TypeRestartIce:
		d.restartIce(c, msg)
	case TypeGetStats:
		d.getStats(c, msg)
	default:
		d.fail(c, msg, apierr.New(apierr.Validation, "UnknownType", "unrecognized message type %q", msg.Type))
	}
}

func (d *Dispatcher) fail(c *Connection, msg inbound, err error) {
	if msg.ID == "" {
		d.log.Warn("dropping fire-and-forget message that failed", map[string]any{"type": msg.Type, "err": err.Error()})
		return
	}
	c.writeReply(msg.ID, msg.Type, nil, err)
}

func (d *Dispatcher) ok(c *Connection, msg inbound, data any) {
	c.writeReply(msg.ID, msg.Type, data, nil)
}

// bound resolves the Meeting a connection is currently bound to.
func (d *Dispatcher) bound(c *Connection) (*meeting.Meeting, string, error) {
	meetingID, participantID, ok := c.Binding()
	if !ok {
		return nil, "", apierr.New(apierr.Validation, "NotBound", "connection has not joined a room yet")
	}
	m, ok := d.mgr.Get(meetingID)
	if !ok {
		return nil, "", apierr.NotFoundErr("MeetingNotFound", "meeting %s no longer exists", meetingID)
	}
	return m, participantID, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apierr.New(apierr.Validation, "MalformedPayload", "%v", err)
	}
	return v, nil
}

type joinRoomReq struct {
	MeetingID       string `json:"meetingId"`
	ParticipantID   string `json:"participantId"`
	DisplayName     string `json:"displayName"`
	Host            bool   `json:"host"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
	Encryption      bool   `json:"encryption,omitempty"`
}

func (d *Dispatcher) joinRoom(c *Connection, msg inbound) {
	req, err := decode[joinRoomReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	m, ok := d.mgr.Get(req.MeetingID)
	if !ok {
		if !req.Host {
			d.fail(c, msg, apierr.NotFoundErr("MeetingNotFound", "meeting %s does not exist", req.MeetingID))
			return
		}
		opts := meeting.Options{MaxParticipants: req.MaxParticipants, Encryption: req.Encryption}
		if opts.MaxParticipants == 0 {
			opts.MaxParticipants = 16
		}
		var createErr error
		m, createErr = d.mgr.Create(req.MeetingID, req.ParticipantID, opts)
		if createErr != nil {
			d.fail(c, msg, createErr)
			return
		}
	}
	if err := c.Bind(req.MeetingID, req.ParticipantID); err != nil {
		d.fail(c, msg, err)
		return
	}
	p := meeting.Participant{ID: req.ParticipantID, DisplayName: req.DisplayName, Host: req.Host}
	if err := m.Join(p); err != nil {
		d.fail(c, msg, err)
		return
	}
	m.SetSignalDeliverer(func(toPeerID string, s p2p.Signal) error {
		return d.deliver(req.MeetingID, toPeerID, s)
	})
	d.mgr.BindSocket(c.ID, req.MeetingID, req.ParticipantID)
	d.ok(c, msg, map[string]any{"meetingId": req.MeetingID, "participantId": req.ParticipantID})
}

func (d *Dispatcher) leaveRoom(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if err := m.Leave(participantID); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.mgr.DisconnectSocket(c.ID)
	d.ok(c, msg, nil)
}

type sdpReq struct {
	ToPeerID    string                    `json:"toPeerId,omitempty"`
	TransportID string                    `json:"transportId,omitempty"`
	SDP         webrtc.SessionDescription `json:"sdp"`
}

func (d *Dispatcher) offer(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[sdpReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if req.ToPeerID == "" {
		d.fail(c, msg, apierr.New(apierr.Validation, "MissingPeer", "offer requires toPeerId"))
		return
	}
	payload, _ := json.Marshal(req.SDP)
	err = m.RelaySignal(participantID, p2p.Signal{Kind: p2p.SignalOffer, FromPeerID: participantID, ToPeerID: req.ToPeerID, Payload: payload})
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

func (d *Dispatcher) answer(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[sdpReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if req.TransportID != "" {
		// A client answering a server-initiated SFU recv-transport offer.
		if err := m.HandleTransportAnswer(req.TransportID, req.SDP); err != nil {
			d.fail(c, msg, err)
			return
		}
		d.ok(c, msg, nil)
		return
	}
	if req.ToPeerID == "" {
		d.fail(c, msg, apierr.New(apierr.Validation, "MissingPeer", "answer requires toPeerId or transportId"))
		return
	}
	payload, _ := json.Marshal(req.SDP)
	if err := m.RelaySignal(participantID, p2p.Signal{Kind: p2p.SignalAnswer, FromPeerID: participantID, ToPeerID: req.ToPeerID, Payload: payload}); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

type iceCandidateReq struct {
	ToPeerID    string                  `json:"toPeerId,omitempty"`
	TransportID string                  `json:"transportId,omitempty"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

func (d *Dispatcher) iceCandidate(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[iceCandidateReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if req.TransportID != "" {
		if err := m.AddICECandidate(req.TransportID, req.Candidate); err != nil {
			d.fail(c, msg, err)
			return
		}
		d.ok(c, msg, nil)
		return
	}
	if req.ToPeerID == "" {
		d.fail(c, msg, apierr.New(apierr.Validation, "MissingPeer", "ice-candidate requires toPeerId or transportId"))
		return
	}
	payload, _ := json.Marshal(req.Candidate)
	if err := m.RelaySignal(participantID, p2p.Signal{Kind: p2p.SignalCandidate, FromPeerID: participantID, ToPeerID: req.ToPeerID, Payload: payload}); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

func (d *Dispatcher) mediaState(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	state, err := decode[events.MediaState](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if err := m.SetMediaState(participantID, state); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

func (d *Dispatcher) transitionAck(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	m.Acknowledge(participantID)
	d.ok(c, msg, nil)
}

// requestConnRefresh is the client's request to re-synchronize after a
// reconnect inside the ghost-grace window, spec.md section 4.5. It only
// acks so the client knows the socket is live; no producer/consumer
// descriptors are re-sent.
func (d *Dispatcher) requestConnRefresh(c *Connection, msg inbound) {
	if _, _, err := d.bound(c); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

// routerCapabilities mirrors the codecs mwp.NewMediaAPI registers: Opus
// for audio, H264 for video.
var routerCapabilities = sfu.Capabilities{Codecs: []string{"audio/opus", "video/H264"}}

func (d *Dispatcher) getRouterCapabilities(c *Connection, msg inbound) {
	d.ok(c, msg, routerCapabilities)
}

func (d *Dispatcher) setRTPCapabilities(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	caps, err := decode[sfu.Capabilities](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if err := m.SetRTPCapabilities(participantID, caps); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

type createTransportReq struct {
	Direction mwp.Direction `json:"direction"`
}

func (d *Dispatcher) createTransport(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[createTransportReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	t, err := m.CreateTransport(participantID, req.Direction)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	t.OnOffer = func(sdp *webrtc.SessionDescription) {
		c.Push(TypeOffer, map[string]any{"transportId": t.ID, "sdp": sdp})
	}
	t.OnICECandidate = func(cand *webrtc.ICECandidateInit) {
		c.Push(TypeICECandidate, map[string]any{"transportId": t.ID, "candidate": cand})
	}
	d.ok(c, msg, map[string]any{"transportId": t.ID, "direction": t.Direction})
}

type connectTransportReq struct {
	TransportID string                    `json:"transportId"`
	SDP         webrtc.SessionDescription `json:"sdp"`
}

func (d *Dispatcher) connectTransport(c *Connection, msg inbound) {
	m, _, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[connectTransportReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	answer, err := m.ConnectTransport(req.TransportID, req.SDP)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, map[string]any{"sdp": answer})
}

type produceReq struct {
	Kind      sfu.Kind       `json:"kind"`
	Source    sfu.SourceTag  `json:"source"`
	Encodings []sfu.Encoding `json:"encodings,omitempty"`
}

func (d *Dispatcher) produce(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[produceReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	p, err := m.Produce(participantID, req.Kind, req.Source, req.Encodings)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, map[string]any{"producerId": p.ID, "kind": p.Kind, "source": p.Source})
}

func (d *Dispatcher) produceData(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	p, err := m.ProduceData(participantID)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, map[string]any{"producerId": p.ID})
}

type consumeReq struct {
	ProducerID string `json:"producerId"`
}

func (d *Dispatcher) consume(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[consumeReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	consumer, err := m.Consume(participantID, req.ProducerID)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, map[string]any{"consumerId": consumer.ID, "producerId": consumer.ProducerID, "kind": consumer.Kind})
}

func (d *Dispatcher) consumeData(c *Connection, msg inbound) {
	d.consume(c, msg)
}

type idReq struct {
	ID string `json:"id"`
}

func (d *Dispatcher) pause(c *Connection, msg inbound) {
	d.pauseResume(c, msg, true)
}

func (d *Dispatcher) resume(c *Connection, msg inbound) {
	d.pauseResume(c, msg, false)
}

func (d *Dispatcher) pauseResume(c *Connection, msg inbound, pause bool) {
	m, _, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[idReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	var opErr error
	switch {
	case pause:
		opErr = m.PauseProducer(req.ID)
		if opErr != nil {
			opErr = m.PauseConsumer(req.ID)
		}
	default:
		opErr = m.ResumeProducer(req.ID)
		if opErr != nil {
			opErr = m.ResumeConsumer(req.ID)
		}
	}
	if opErr != nil {
		d.fail(c, msg, opErr)
		return
	}
	d.ok(c, msg, nil)
}

type preferredLayersReq struct {
	ConsumerID string `json:"consumerId"`
	Spatial    int    `json:"spatial"`
	Temporal   int    `json:"temporal"`
}

func (d *Dispatcher) setPreferredLayers(c *Connection, msg inbound) {
	m, _, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[preferredLayersReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if err := m.SetPreferredLayers(req.ConsumerID, sfu.PreferredLayers{Spatial: req.Spatial, Temporal: req.Temporal}); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

type priorityReq struct {
	ConsumerID string `json:"consumerId"`
	Priority   int    `json:"priority"`
}

func (d *Dispatcher) setPriority(c *Connection, msg inbound) {
	m, _, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[priorityReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	if err := m.SetPriority(req.ConsumerID, req.Priority); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}

type restartIceReq struct {
	Direction mwp.Direction `json:"direction"`
}

func (d *Dispatcher) restartIce(c *Connection, msg inbound) {
	m, participantID, err := d.bound(c)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	req, err := decode[restartIceReq](msg.Data)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	t, err := m.RestartICE(participantID, req.Direction)
	if err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, map[string]any{"transportId": t.ID})
}

// getStats is informational only; live numbers are pushed continuously
// via PushActiveSpeakers/StatsEvent through the Hub, so this just acks
// that the request was understood (spec.md section 6 lists it as
// optional/best-effort).
func (d *Dispatcher) getStats(c *Connection, msg inbound) {
	if _, _, err := d.bound(c); err != nil {
		d.fail(c, msg, err)
		return
	}
	d.ok(c, msg, nil)
}
