// Package server wires the coordination core together: one websocket
// endpoint multiplexing presence, trust-gated message relay, and call
// signaling over a single persistent connection per user.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/havenchat/haven/internal/event"
	"github.com/havenchat/haven/internal/hub"
	"github.com/havenchat/haven/internal/presence"
	"github.com/havenchat/haven/internal/relay"
	"github.com/havenchat/haven/internal/signal"
	"github.com/havenchat/haven/internal/store"
)

var log = logging.Logger("haven/server")

// Server owns the transport hub and the three relays built on it.
type Server struct {
	addr string

	hub      *hub.Hub
	presence *presence.Registry
	store    store.Store
	router   *relay.Router
	relay    *relay.Relay
	signal   *signal.Relay

	presenceCh chan presence.Event
	httpSrv    *http.Server
}

// New assembles a server around the given storage collaborator and
// starts bridging presence events to the transport.
func New(addr string, st store.Store) *Server {
	s := &Server{
		addr:     addr,
		presence: presence.NewRegistry(),
		store:    st,
	}
	s.hub = hub.New(s.onDisconnect)
	s.router = relay.NewRouter(st, s.hub)
	s.relay = relay.New(st, s.hub)
	s.signal = signal.New(s.hub)

	s.presenceCh = s.presence.Subscribe()
	go s.broadcastPresence(s.presenceCh)
	return s
}

// Close stops the presence bridge and drops every connection.
func (s *Server) Close() {
	s.presence.Unsubscribe(s.presenceCh)
	s.hub.CloseAll()
}

// Handler returns the HTTP handler: /ws plus a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	log.Infof("listening on %s", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// broadcastPresence fans registry events out to every connection.
func (s *Server) broadcastPresence(events chan presence.Event) {
	for evt := range events {
		switch evt.Type {
		case presence.TypeOnline:
			s.hub.Broadcast(event.UserOnline, event.PresencePayload{UserID: evt.UserID})
		case presence.TypeOffline:
			s.hub.Broadcast(event.UserOffline, event.PresencePayload{UserID: evt.UserID})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.hub.Upgrade(w, r, s.dispatch); err != nil {
		log.Warnf("upgrade failed: %v", err)
	}
}

func (s *Server) onDisconnect(c *hub.Conn) {
	if id := c.Identity(); id != 0 {
		s.presence.Unregister(id)
		log.Debugf("user %d disconnected", id)
	}
}

// dispatch routes one inbound event. Called from the connection's read
// loop, so events from the same connection are handled in order, one at
// a time; failures go back to this connection only.
func (s *Server) dispatch(c *hub.Conn, env *event.Envelope) {
	ctx := context.Background()

	if env.Event == event.Authenticate {
		s.handleAuthenticate(c, env.Data)
		return
	}

	identity := c.Identity()
	if identity == 0 {
		s.fail(c, relay.ErrAuthenticationRequired)
		return
	}

	switch env.Event {
	case event.JoinConversation:
		var p event.ConversationPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		if err := s.router.JoinConversation(ctx, c.ID(), identity, p.ConversationID); err != nil {
			s.fail(c, err)
		}

	case event.LeaveConversation:
		var p event.ConversationPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.router.LeaveConversation(c.ID(), p.ConversationID)

	case event.SendMessage:
		var p event.SendMessagePayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		if _, err := s.relay.Send(ctx, identity, p.ConversationID, p.Content); err != nil {
			s.fail(c, err)
		}

	case event.MarkAsRead:
		var p event.MarkAsReadPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		if err := s.relay.MarkRead(ctx, identity, p.MessageID); err != nil {
			s.fail(c, err)
		}

	case event.Typing:
		var p event.TypingPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.relay.Typing(c.ID(), identity, p.ConversationID, p.IsTyping)

	case event.CallUser:
		var p event.CallUserPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.signal.Initiate(identity, p.ToUserID, p.Offer, p.Media)

	case event.AnswerCall:
		var p event.AnswerCallPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.signal.Answer(identity, p.ToUserID, p.Answer)

	case event.RejectCall:
		var p event.RejectCallPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.signal.Reject(identity, p.ToUserID, p.Reason)

	case event.ICECandidate:
		var p event.ICECandidatePayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.signal.ICECandidate(identity, p.ToUserID, p.Candidate)

	case event.EndCall:
		var p event.EndCallPayload
		if !s.decode(c, env.Data, &p) {
			return
		}
		s.signal.End(identity, p.ToUserID)

	default:
		log.Debugf("connection %s: unknown event %q", c.ID(), env.Event)
	}
}

// handleAuthenticate binds the identity, joins the personal channel,
// marks the user online, and returns the current online set.
// Re-authenticating as a different identity releases the previous
// identity's personal channel and presence first, so a connection never
// holds two identities' state at once.
func (s *Server) handleAuthenticate(c *hub.Conn, data json.RawMessage) {
	var p event.AuthenticatePayload
	if !s.decode(c, data, &p) {
		return
	}
	if p.UserID == 0 {
		s.fail(c, relay.ErrAuthenticationRequired)
		return
	}

	if prev := c.Identity(); prev != 0 && prev != p.UserID {
		s.hub.Leave(c.ID(), hub.UserChannel(prev))
		s.presence.Unregister(prev)
	}
	c.BindIdentity(p.UserID)
	s.hub.Join(c.ID(), hub.UserChannel(p.UserID))
	online := s.presence.Register(p.UserID)
	s.hub.EmitToConn(c.ID(), event.OnlineUsers, event.OnlineUsersPayload{UserIDs: online})
	log.Infof("user %d authenticated on connection %s", p.UserID, c.ID())
}

func (s *Server) decode(c *hub.Conn, data json.RawMessage, dst any) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		s.fail(c, errMalformed)
		return false
	}
	return true
}

var errMalformed = errors.New("malformed payload")

// fail reports one failure to the originating connection. Taxonomy
// errors pass through as-is; anything else is logged and collapsed to a
// generic internal error so storage details never leak to clients.
func (s *Server) fail(c *hub.Conn, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, relay.ErrAuthenticationRequired),
		errors.Is(err, relay.ErrAccessDenied),
		errors.Is(err, relay.ErrBlocked),
		errors.Is(err, relay.ErrAwaitingAcceptance),
		errors.Is(err, relay.ErrNotFound),
		errors.Is(err, errMalformed):
	default:
		log.Errorf("connection %s: %v", c.ID(), err)
		msg = "internal error"
	}
	s.hub.EmitToConn(c.ID(), event.Error, event.ErrorPayload{Message: msg})
}
