// Package hub is the websocket transport layer: it tags each connection
// with an authenticated identity and provides channel-scoped
// publish/subscribe on top of gorilla/websocket. Channels are plain
// strings; the rest of the system only ever uses the two shapes below.
package hub

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/havenchat/haven/internal/event"
)

var log = logging.Logger("haven/hub")

// UserChannel is the personal channel for an identity: direct notices and
// call signaling land here.
func UserChannel(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// ConversationChannel is the broadcast scope of one conversation, joinable
// only by verified members.
func ConversationChannel(conversationID int64) string {
	return "conv:" + strconv.FormatInt(conversationID, 10)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler processes one decoded inbound envelope. The hub calls it from
// the connection's read loop, so events from one connection are handled
// strictly one at a time.
type Handler func(c *Conn, env *event.Envelope)

// Hub tracks live connections and their channel subscriptions.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn            // conn ID → conn
	channels map[string]map[string]*Conn // channel → conn ID → conn

	onDisconnect func(*Conn)
}

// New creates an empty hub. onDisconnect, if non-nil, fires once per
// connection after it has been removed from every channel.
func New(onDisconnect func(*Conn)) *Hub {
	return &Hub{
		conns:        make(map[string]*Conn),
		channels:     make(map[string]map[string]*Conn),
		onDisconnect: onDisconnect,
	}
}

// Upgrade turns an HTTP request into a tracked websocket connection and
// starts its read/write pumps. The handler runs on the read loop.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, handler Handler) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := newConn(ws, h)

	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(handler)

	log.Debugf("connection %s opened", c.ID())
	return c, nil
}

// Join subscribes a connection to a channel. Unknown connection IDs are
// ignored (the connection raced its own disconnect).
func (h *Hub) Join(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[string]*Conn)
		h.channels[channel] = set
	}
	set[connID] = c
}

// Leave unsubscribes a connection from a channel. Unconditional — no
// membership check is needed to stop listening.
func (h *Hub) Leave(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, channel)
}

func (h *Hub) leaveLocked(connID, channel string) {
	set, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// EmitToConn sends one event to a single connection.
func (h *Hub) EmitToConn(connID, name string, payload any) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	data, err := encode(name, payload)
	if err != nil {
		log.Errorf("encode %s: %v", name, err)
		return
	}
	c.send(data)
}

// EmitToChannel sends one event to every subscriber of a channel.
func (h *Hub) EmitToChannel(channel, name string, payload any) {
	h.emitChannel(channel, "", name, payload)
}

// EmitToChannelExcept sends to every subscriber of a channel except the
// named connection (used so typing notices skip their own sender).
func (h *Hub) EmitToChannelExcept(channel, exceptConnID, name string, payload any) {
	h.emitChannel(channel, exceptConnID, name, payload)
}

func (h *Hub) emitChannel(channel, exceptConnID, name string, payload any) {
	data, err := encode(name, payload)
	if err != nil {
		log.Errorf("encode %s: %v", name, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.channels[channel]))
	for id, c := range h.channels[channel] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.send(data)
	}
}

// Broadcast sends one event to every live connection.
func (h *Hub) Broadcast(name string, payload any) {
	data, err := encode(name, payload)
	if err != nil {
		log.Errorf("encode %s: %v", name, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.send(data)
	}
}

// CloseAll shuts down every connection. Used on server shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Close()
	}
}

// remove drops a connection from the hub and all its channels, then fires
// the disconnect callback. Called exactly once, from the read loop exit.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID())
	for channel := range h.channels {
		h.leaveLocked(c.ID(), channel)
	}
	h.mu.Unlock()

	log.Debugf("connection %s closed", c.ID())
	if h.onDisconnect != nil {
		h.onDisconnect(c)
	}
}

func encode(name string, payload any) ([]byte, error) {
	env, err := event.NewEnvelope(name, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
