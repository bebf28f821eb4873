package session

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/protocol"
)

// Transport constants, carried over from the teacher's websocket/client.go
// keepalive discipline — same shape, applied to a bidirectional correlated
// stream instead of a one-way GUI push channel.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// upgrader performs the HTTP -> WebSocket protocol upgrade for incoming
// agent connections. CheckOrigin always returns true: agents are not
// browsers, and origin enforcement for this endpoint is handled by network
// policy (mTLS / allowlisted egress), not same-origin checks.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wireConn wraps a single gorilla/websocket connection with the read/write
// pump pair the teacher's Client uses, retargeted to carry protocol.Frame
// values instead of the one-way Message envelope.
//
// writePump is the sole writer to conn — gorilla/websocket connections are
// not safe for concurrent writes. Outbound frames funnel through the send
// channel; pings are written by writePump itself on its ticker.
type wireConn struct {
	conn   *websocket.Conn
	send   chan protocol.Frame
	closed chan struct{}
	logger *zap.Logger
}

func newWireConn(conn *websocket.Conn, logger *zap.Logger) *wireConn {
	return &wireConn{
		conn:   conn,
		send:   make(chan protocol.Frame, sendBufferSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// upgrade performs the HTTP upgrade for a newly accepted agent connection.
func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// writePump serialises outgoing frames onto the wire and sends periodic
// pings. It returns when the send channel is closed (teardown) or a write
// fails.
func (c *wireConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := frame.Encode()
			if err != nil {
				c.logger.Warn("session: encode frame failed", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames off the wire and invokes onFrame for each one until
// the connection closes or a frame fails to decode, at which point onClose
// is invoked exactly once.
func (c *wireConn) readLoop(maxFrameBytes int64, onFrame func(protocol.Frame), onClose func(error)) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("session: malformed frame, closing connection", zap.Error(err))
			onClose(err)
			return
		}
		onFrame(frame)
	}
}

// writeFrame enqueues frame for delivery. Returns false if the connection's
// send channel is already closed (connection torn down).
func (c *wireConn) writeFrame(frame protocol.Frame) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	}
}

// teardown closes the send channel exactly once, causing writePump to send
// a close frame and exit.
func (c *wireConn) teardown() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
		close(c.send)
	}
}
