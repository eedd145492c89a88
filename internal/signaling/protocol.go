// Package signaling implements the Signaling Gateway, spec.md section
// 4.5: terminates client WebSocket connections, frames the
// request/reply/event/push wire contract, enforces the one-meeting-one-
// participant binding invariant, and dispatches into the Meeting
// Lifecycle Manager. Grounded on n0remac-robot-webrtc's
// websocket/websocket.go Hub/CommandRegistry pattern — a map of
// string-keyed command handlers fed by a single ReadPump per connection,
// a buffered Send channel drained by WritePump — generalized from a
// single global room map keyed by a query-string "room" to meeting-scoped
// dispatch with request/reply id correlation and heartbeat/backpressure
// on top.
package signaling

import "encoding/json"

// MessageType is the wire `type` field, spec.md section 4.5's taxonomy.
type MessageType string

const (
	TypeJoinRoom               MessageType = "join-room"
	TypeLeaveRoom              MessageType = "leave-room"
	TypeOffer                  MessageType = "offer"
	TypeAnswer                 MessageType = "answer"
	TypeICECandidate           MessageType = "ice-candidate"
	TypeMediaStateChanged      MessageType = "media-state-changed"
	TypeTransitionAcknowledged MessageType = "transition-acknowledged"
	TypeRequestConnRefresh     MessageType = "request-connection-refresh"

	TypeGetRouterCapabilities MessageType = "getRouterCapabilities"
	TypeSetRTPCapabilities    MessageType = "setRtpCapabilities"
	TypeCreateTransport       MessageType = "createTransport"
	TypeConnectTransport      MessageType = "connectTransport"
	TypeProduce               MessageType = "produce"
	TypeConsume               MessageType = "consume"
	TypeProduceData            MessageType = "produceData"
	TypeConsumeData             MessageType = "consumeData"
	TypePause                 MessageType = "pause"
	TypeResume                MessageType = "resume"
	TypeSetPreferredLayers    MessageType = "setPreferredLayers"
	TypeSetPriority           MessageType = "setPriority"
	TypeRestartIce            MessageType = "restartIce"
	TypeGetStats              MessageType = "getStats"

	// Server push types.
	PushPeerJoined           MessageType = "peer-joined"
	PushPeerLeft             MessageType = "peer-left"
	PushMediaStateChanged    MessageType = "media-state-changed"
	PushNewProducer          MessageType = "new-producer"
	PushNewConsumer          MessageType = "new-consumer"
	PushNewDataProducer      MessageType = "new-data-producer"
	PushNewDataConsumer      MessageType = "new-data-consumer"
	PushActiveSpeakers       MessageType = "active-speakers"
	PushTransitionStarted    MessageType = "transition-started"
	PushTransitionInfo       MessageType = "transition-info"
	PushTransitionCompleted  MessageType = "transition-completed"
	PushTransitionFailed     MessageType = "transition-failed"
	PushMeetingReset         MessageType = "meeting-reset"
	PushMeetingEnded         MessageType = "meeting-ended"
	PushStats                MessageType = "stats"
)

// inbound is the shape the gateway reads off the wire: a request carries
// id+type+data, a fire-and-forget event carries type+data with no id.
type inbound struct {
	ID   string          `json:"id,omitempty"`
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outbound is what the gateway writes: a reply echoes the request id; a
// push never has one.
type outbound struct {
	ID    string      `json:"id,omitempty"`
	Type  MessageType `json:"type"`
	Data  any         `json:"data,omitempty"`
	Error *wireError  `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// essential reports whether a push type must never be dropped under
// backpressure, spec.md section 5: "never drops membership or transition
// events" — everything else (stats, active-speakers) is droppable.
func essential(t MessageType) bool {
	switch t {
	case PushStats, PushActiveSpeakers:
		return false
	default:
		return true
	}
}
