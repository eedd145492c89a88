package signaling

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/meeting"
	"github.com/n0remac/meetcore/internal/p2p"
)

// peerKey identifies a bound connection within one meeting.
type peerKey struct {
	meetingID     string
	participantID string
}

// Hub is the meeting-scoped connection registry generalized from the
// teacher's Hub{Rooms, Clients, Broadcast, Register, Unregister, Mu}: it
// tracks which Connection currently represents which (meeting,
// participant) pair, fans each Meeting's typed event Sink out to every
// bound connection, and routes P2P signal relay to the right socket.
type Hub struct {
	cfg *config.Config
	log *logging.Logger
	mgr *meeting.Manager

	dispatcher *Dispatcher

	mu       sync.Mutex
	conns    map[peerKey]*Connection
	watching map[string]bool // meetingID -> fan-out goroutine already running
}

func NewHub(cfg *config.Config, log *logging.Logger, mgr *meeting.Manager) *Hub {
	h := &Hub{
		cfg:      cfg,
		log:      log.With("hub"),
		mgr:      mgr,
		conns:    make(map[peerKey]*Connection),
		watching: make(map[string]bool),
	}
	h.dispatcher = NewDispatcher(mgr, h.deliverSignal, h.log)
	return h
}

// Serve takes ownership of an upgraded *websocket.Conn for the lifetime
// of the connection, grounded on the teacher's per-client ReadPump/
// WritePump pairing in websocket/websocket.go.
func (h *Hub) Serve(wsConn *websocket.Conn) {
	c := newConnection(wsConn, h.cfg, h.log)
	go c.writePump()

	c.readPump(func(conn *Connection, msg inbound) {
		_, _, wasBound := conn.Binding()
		h.dispatcher.route(conn, msg)
		if !wasBound {
			if meetingID, participantID, ok := conn.Binding(); ok {
				h.register(meetingID, participantID, conn)
			}
		}
	})

	// readPump returned: the socket closed. Leave the bound participant in
	// the ghost-grace window rather than an immediate Leave, so a quick
	// reconnect resumes instead of rejoining as a new participant.
	if meetingID, participantID, ok := c.Binding(); ok {
		h.unregister(meetingID, participantID, c)
		if m, ok := h.mgr.Get(meetingID); ok {
			m.MarkSuspended(participantID, func() { h.mgr.DisconnectSocket(c.ID) })
		}
	}
}

func (h *Hub) register(meetingID, participantID string, c *Connection) {
	h.mu.Lock()
	h.conns[peerKey{meetingID, participantID}] = c
	alreadyWatching := h.watching[meetingID]
	h.watching[meetingID] = true
	h.mu.Unlock()

	if !alreadyWatching {
		if m, ok := h.mgr.Get(meetingID); ok {
			go h.fanOut(meetingID, m.Events())
		}
	}
}

func (h *Hub) unregister(meetingID, participantID string, c *Connection) {
	h.mu.Lock()
	if existing, ok := h.conns[peerKey{meetingID, participantID}]; ok && existing == c {
		delete(h.conns, peerKey{meetingID, participantID})
	}
	h.mu.Unlock()
}

func (h *Hub) connFor(meetingID, participantID string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[peerKey{meetingID, participantID}]
	return c, ok
}

// deliverSignal implements the Dispatcher's P2P relay hook.
func (h *Hub) deliverSignal(meetingID, toPeerID string, s p2p.Signal) error {
	c, ok := h.connFor(meetingID, toPeerID)
	if !ok {
		return apierr.NotFoundErr("PeerNotFound", "peer %s has no live connection", toPeerID)
	}
	var t MessageType
	switch s.Kind {
	case p2p.SignalOffer:
		t = TypeOffer
	case p2p.SignalAnswer:
		t = TypeAnswer
	default:
		t = TypeICECandidate
	}
	c.Push(t, map[string]any{"fromPeerId": s.FromPeerID, "payload": s.Payload})
	return nil
}

// fanOut drains one Meeting's event Sink until one of its channels is
// closed, applying the essential()/backpressure split per-push via
// Connection.Push. It keeps running after the last connection unbinds.
func (h *Hub) fanOut(meetingID string, sink *events.Sink) {
	for {
		select {
		case e, ok := <-sink.Membership:
			if !ok {
				return
			}
			if t, push := membershipPushType(e.Kind); push {
				h.broadcast(meetingID, t, e)
			}
		case e, ok := <-sink.Transition:
			if !ok {
				return
			}
			h.broadcast(meetingID, transitionPushType(e.Kind), e)
		case e, ok := <-sink.ActiveSpeakers:
			if !ok {
				return
			}
			h.broadcast(meetingID, PushActiveSpeakers, e)
		case e, ok := <-sink.Stats:
			if !ok {
				return
			}
			h.broadcast(meetingID, PushStats, e)
		}
	}
}

func (h *Hub) broadcast(meetingID string, t MessageType, data any) {
	h.mu.Lock()
	targets := make([]*Connection, 0, len(h.conns))
	for k, c := range h.conns {
		if k.meetingID == meetingID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.Push(t, data)
	}
}

// membershipPushType maps a membership event to its wire push type. The
// second return value is false for events that never reach the client
// as a push of their own: spec.md section 8 scenario 4 requires that
// suspending a participant during the ghost-grace window does NOT
// broadcast peer-left, and resume is silent too since nothing about the
// meeting's visible membership changed from other participants' view.
func membershipPushType(k events.MembershipKind) (MessageType, bool) {
	switch k {
	case events.PeerJoined:
		return PushPeerJoined, true
	case events.PeerLeft:
		return PushPeerLeft, true
	case events.MediaStateChanged:
		return PushMediaStateChanged, true
	case events.NewProducer:
		return PushNewProducer, true
	case events.NewDataProducer:
		return PushNewDataProducer, true
	case events.NewConsumer:
		return PushNewConsumer, true
	case events.NewDataConsumer:
		return PushNewDataConsumer, true
	case events.MeetingReset:
		return PushMeetingReset, true
	case events.MeetingEnded:
		return PushMeetingEnded, true
	case events.ParticipantSuspend, events.ParticipantResume:
		return "", false
	default:
		return "", false
	}
}

func transitionPushType(k events.TransitionKind) MessageType {
	switch k {
	case events.TransitionStarted:
		return PushTransitionStarted
	case events.TransitionInfo:
		return PushTransitionInfo
	case events.TransitionCompleted:
		return PushTransitionCompleted
	default:
		return PushTransitionFailed
	}
}
