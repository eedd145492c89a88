package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
)

// outboundQueueSize bounds each connection's outbound queue, spec.md
// section 5's "bounded outbound queue" backpressure policy.
const outboundQueueSize = 256

// Connection is one client's WebSocket session, grounded on
// n0remac-robot-webrtc's WebsocketClient (Conn, Send chan []byte, Room,
// Id), generalized with the meeting/participant bind invariant and
// heartbeat tracking spec.md section 4.5 adds.
type Connection struct {
	// ID identifies this socket for the Room Registry's socket index,
	// spec.md section 4.6 -- stable for the connection's lifetime, bound to
	// at most one (meetingId, participantId) pair via Bind.
	ID string

	conn *websocket.Conn
	log  *logging.Logger
	cfg  *config.Config

	send chan []byte

	bindMu        sync.Mutex
	meetingID     string
	participantID string
	bound         bool

	missedPings int
	lastPong    time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, cfg *config.Config, log *logging.Logger) *Connection {
	return &Connection{
		ID:       "sock-" + uuid.NewString(),
		conn:     conn,
		log:      log,
		cfg:      cfg,
		send:     make(chan []byte, outboundQueueSize),
		lastPong: time.Now(),
		closed:   make(chan struct{}),
	}
}

// Bind implements the "a connection belongs to at most one meeting and
// one participant at a time" invariant from spec.md section 4.5. A
// second bind is an error.
func (c *Connection) Bind(meetingID, participantID string) error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.bound {
		return apierr.New(apierr.Conflict, "AlreadyBound", "connection already bound to meeting %s participant %s", c.meetingID, c.participantID)
	}
	c.meetingID, c.participantID, c.bound = meetingID, participantID, true
	return nil
}

func (c *Connection) Binding() (meetingID, participantID string, ok bool) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	return c.meetingID, c.participantID, c.bound
}

// writeReply sends a reply correlated to a request id.
func (c *Connection) writeReply(id string, t MessageType, data any, err error) {
	out := outbound{ID: id, Type: t, Data: data}
	if err != nil {
		out.Error = toWireError(err)
	}
	c.enqueue(out, true)
}

// Push sends a server-originated message, applying the backpressure
// policy from spec.md section 5: non-essential pushes are dropped when
// the outbound queue is full rather than blocking the writer.
func (c *Connection) Push(t MessageType, data any) {
	c.enqueue(outbound{Type: t, Data: data}, essential(t))
}

// enqueue races the write against c.closed. c.send is never closed (only
// c.closed is), so this never sends on a closed channel even when Close
// runs concurrently.
func (c *Connection) enqueue(out outbound, mustDeliver bool) {
	body, err := json.Marshal(out)
	if err != nil {
		c.log.Error("failed to encode outbound message", err, map[string]any{"type": out.Type})
		return
	}
	if mustDeliver {
		select {
		case c.send <- body:
		case <-c.closed:
		}
		return
	}
	select {
	case c.send <- body:
	case <-c.closed:
	default:
		c.log.Warn("dropping non-essential push under backpressure", map[string]any{"type": out.Type})
	}
}

func toWireError(err error) *wireError {
	if e, ok := apierr.As(err); ok {
		return &wireError{Code: string(e.Code), Reason: e.Reason, Message: e.Message}
	}
	return &wireError{Code: "internal", Reason: "Internal", Message: err.Error()}
}

// readPump reads frames until the connection closes, dispatching each one
// to dispatch. Grounded on the teacher's ReadPump: blocking read loop,
// JSON-decode, hand off to a registry lookup by type.
func (c *Connection) readPump(dispatch func(*Connection, inbound)) {
	defer c.Close()
	c.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong = time.Now()
		c.missedPings = 0
		c.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Info("connection closed", map[string]any{"err": err.Error()})
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("malformed frame", map[string]any{"err": err.Error()})
			continue
		}
		dispatch(c, msg)
	}
}

// writePump drains the outbound queue and runs the heartbeat, grounded on
// the teacher's WritePump plus spec.md section 4.5's ping-every-30s /
// two-missed-pongs termination rule.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case body := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			c.missedPings++
			if c.missedPings > 2 {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close signals shutdown via c.closed and closes the socket. c.send is
// deliberately never closed: enqueue and writePump may run concurrently
// with Close, and closing a channel another goroutine might still be
// sending on panics.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
