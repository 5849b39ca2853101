package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/havenchat/haven/internal/event"
)

const (
	// outboundCap bounds the per-connection send queue. A consumer that
	// falls this far behind starts losing events rather than stalling
	// every other subscriber of its channels.
	outboundCap = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20
)

// Conn is one live websocket connection: an ephemeral binding of a
// transport session to at most one identity.
type Conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub

	identity atomic.Int64 // 0 = not authenticated

	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, h *Hub) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		hub:    h,
		out:    make(chan []byte, outboundCap),
		closed: make(chan struct{}),
	}
}

// ID is the hub-unique connection ID.
func (c *Conn) ID() string { return c.id }

// Identity returns the bound user ID, or 0 when unauthenticated.
func (c *Conn) Identity() int64 { return c.identity.Load() }

// BindIdentity tags the connection with its authenticated user ID.
func (c *Conn) BindIdentity(userID int64) { c.identity.Store(userID) }

// Close tears down the connection. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// send queues raw bytes for the write pump without blocking. When the
// queue is full the event is dropped, never the connection.
func (c *Conn) send(data []byte) {
	select {
	case <-c.closed:
	case c.out <- data:
	default:
		log.Warnf("connection %s send queue full, dropping event", c.id)
	}
}

// readPump decodes inbound envelopes and hands them to the handler one at
// a time. A malformed frame is logged and skipped — it never terminates
// the connection.
func (c *Conn) readPump(handler Handler) {
	defer func() {
		c.Close()
		c.hub.remove(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("connection %s: bad frame: %v", c.id, err)
			continue
		}
		handler(c, &env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
