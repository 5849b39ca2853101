// Package client binds one websocket connection to the rest of the
// client side: it authenticates, exposes the conversation operations,
// implements call.Signaler for the outbound half of call signaling, and
// feeds inbound call events into a call.Controller.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/havenchat/haven/internal/call"
	"github.com/havenchat/haven/internal/event"
)

var log = logging.Logger("haven/client")

// EventHandler receives the raw payload of one named server event.
type EventHandler func(data json.RawMessage)

// Client is one authenticated haven connection.
type Client struct {
	identity int64

	ws      *websocket.Conn
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string][]EventHandler

	ctrlMu sync.RWMutex
	ctrl   *call.Controller

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a haven server, authenticates, and starts the read
// loop.
func Dial(ctx context.Context, url string, identity int64) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		identity: identity,
		ws:       ws,
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
	if err := c.emit(event.Authenticate, event.AuthenticatePayload{UserID: identity}); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// Identity returns the user ID this client authenticated as.
func (c *Client) Identity() int64 { return c.identity }

// Close tears down the connection. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// On registers a handler for a named server event. Handlers run on the
// read loop, in arrival order.
func (c *Client) On(name string, fn EventHandler) {
	c.handlerMu.Lock()
	c.handlers[name] = append(c.handlers[name], fn)
	c.handlerMu.Unlock()
}

// AttachController routes inbound call signaling into ctrl and makes
// this client its Signaler counterpart.
func (c *Client) AttachController(ctrl *call.Controller) {
	c.ctrlMu.Lock()
	c.ctrl = ctrl
	c.ctrlMu.Unlock()
}

func (c *Client) controller() *call.Controller {
	c.ctrlMu.RLock()
	defer c.ctrlMu.RUnlock()
	return c.ctrl
}

// ── Conversation operations ──────────────────────────────────────────────────

func (c *Client) JoinConversation(conversationID int64) error {
	return c.emit(event.JoinConversation, event.ConversationPayload{ConversationID: conversationID})
}

func (c *Client) LeaveConversation(conversationID int64) error {
	return c.emit(event.LeaveConversation, event.ConversationPayload{ConversationID: conversationID})
}

// SendMessage relays opaque ciphertext into a conversation. Encryption
// happened before this call; the content is never inspected.
func (c *Client) SendMessage(conversationID int64, content string) error {
	return c.emit(event.SendMessage, event.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
	})
}

func (c *Client) MarkRead(messageID int64) error {
	return c.emit(event.MarkAsRead, event.MarkAsReadPayload{MessageID: messageID})
}

func (c *Client) Typing(conversationID int64, isTyping bool) error {
	return c.emit(event.Typing, event.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// ── call.Signaler ────────────────────────────────────────────────────────────

func (c *Client) Initiate(to int64, offer webrtc.SessionDescription, media call.Media) error {
	return c.emit(event.CallUser, event.CallUserPayload{
		ToUserID: to,
		Offer:    offer,
		Media:    event.Media{Audio: media.Audio, Video: media.Video},
	})
}

func (c *Client) Answer(to int64, answer webrtc.SessionDescription) error {
	return c.emit(event.AnswerCall, event.AnswerCallPayload{ToUserID: to, Answer: answer})
}

func (c *Client) Reject(to int64, reason string) error {
	return c.emit(event.RejectCall, event.RejectCallPayload{ToUserID: to, Reason: reason})
}

func (c *Client) ICECandidate(to int64, candidate webrtc.ICECandidateInit) error {
	return c.emit(event.ICECandidate, event.ICECandidatePayload{ToUserID: to, Candidate: candidate})
}

func (c *Client) End(to int64) error {
	return c.emit(event.EndCall, event.EndCallPayload{ToUserID: to})
}

// ── Internals ────────────────────────────────────────────────────────────────

func (c *Client) emit(name string, payload any) error {
	env, err := event.NewEnvelope(name, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		var env event.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.route(&env)
	}
}

// route dispatches one inbound envelope: call signaling goes to the
// controller, everything else to registered handlers.
func (c *Client) route(env *event.Envelope) {
	if ctrl := c.controller(); ctrl != nil {
		switch env.Event {
		case event.IncomingCall:
			var p event.IncomingCallPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				log.Warnf("bad %s payload: %v", env.Event, err)
				return
			}
			ctrl.HandleIncoming(p.FromUserID, p.Offer, call.Media{Audio: p.Media.Audio, Video: p.Media.Video})
			return
		case event.CallAnswer:
			var p event.CallAnswerPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				log.Warnf("bad %s payload: %v", env.Event, err)
				return
			}
			ctrl.HandleAnswer(p.FromUserID, p.Answer)
			return
		case event.CallRejected:
			var p event.CallRejectedPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				log.Warnf("bad %s payload: %v", env.Event, err)
				return
			}
			ctrl.HandleRejected(p.FromUserID, p.Reason)
			return
		case event.ICECandidate:
			var p event.RemoteICECandidatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				log.Warnf("bad %s payload: %v", env.Event, err)
				return
			}
			ctrl.HandleRemoteICE(p.FromUserID, p.Candidate)
			return
		case event.CallEnded:
			var p event.CallEndedPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				log.Warnf("bad %s payload: %v", env.Event, err)
				return
			}
			ctrl.HandleRemoteEnd(p.FromUserID)
			return
		}
	}

	c.handlerMu.RLock()
	handlers := make([]EventHandler, len(c.handlers[env.Event]))
	copy(handlers, c.handlers[env.Event])
	c.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(env.Data)
	}
}
