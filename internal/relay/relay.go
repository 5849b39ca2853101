// Package relay routes conversation traffic: it verifies membership,
// evaluates the per-participant trust gate, persists messages through the
// storage collaborator, and fans results out over the transport. The
// message content itself is opaque ciphertext and passes through
// untouched.
package relay

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/havenchat/haven/internal/event"
	"github.com/havenchat/haven/internal/hub"
	"github.com/havenchat/haven/internal/store"
)

var log = logging.Logger("haven/relay")

// Transport is the slice of the hub the relay needs. *hub.Hub satisfies
// it; tests substitute a recorder.
type Transport interface {
	Join(connID, channel string)
	Leave(connID, channel string)
	EmitToConn(connID, name string, payload any)
	EmitToChannel(channel, name string, payload any)
	EmitToChannelExcept(channel, exceptConnID, name string, payload any)
}

// Router binds connections to conversation channels, enforcing
// membership on the way in.
type Router struct {
	store store.Store
	tr    Transport
}

func NewRouter(st store.Store, tr Transport) *Router {
	return &Router{store: st, tr: tr}
}

// JoinConversation subscribes the connection to the conversation channel
// after verifying a membership row exists. Any trust state is enough to
// listen — the gate applies to sending, not reading.
func (r *Router) JoinConversation(ctx context.Context, connID string, identity, conversationID int64) error {
	m, err := r.store.GetMembership(ctx, conversationID, identity)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if m == nil {
		return ErrAccessDenied
	}
	r.tr.Join(connID, hub.ConversationChannel(conversationID))
	log.Debugf("user %d joined conversation %d", identity, conversationID)
	return nil
}

// LeaveConversation unsubscribes unconditionally; no check is needed to
// stop listening.
func (r *Router) LeaveConversation(connID string, conversationID int64) {
	r.tr.Leave(connID, hub.ConversationChannel(conversationID))
}

// Relay validates, persists, and fans out messages and read receipts.
type Relay struct {
	store store.Store
	tr    Transport
}

func New(st store.Store, tr Transport) *Relay {
	return &Relay{store: st, tr: tr}
}

// gate decides whether senderID may currently send into the conversation,
// based on all other participants' trust states:
//   - any other participant blocked → ErrBlocked
//   - any other participant pending → exactly one message may reach them;
//     a prior message from the sender means ErrAwaitingAcceptance
//   - otherwise the send is allowed
//
// The read here is not transactional against concurrent state changes;
// content is opaque ciphertext, so a message slipping through at the
// moment a block lands is an ordering anomaly, not a disclosure.
func (r *Relay) gate(ctx context.Context, conversationID, senderID int64) error {
	others, err := r.store.GetOtherMemberships(ctx, conversationID, senderID)
	if err != nil {
		return fmt.Errorf("trust lookup: %w", err)
	}

	pending := false
	for _, m := range others {
		switch m.State {
		case store.TrustBlocked:
			return ErrBlocked
		case store.TrustPending:
			pending = true
		}
	}
	if !pending {
		return nil
	}

	sent, err := r.store.CountMessagesBySender(ctx, conversationID, senderID)
	if err != nil {
		return fmt.Errorf("count prior messages: %w", err)
	}
	if sent >= 1 {
		return ErrAwaitingAcceptance
	}
	return nil
}

// Send runs the full pipeline for one message: membership check, trust
// gate, persist, broadcast to the conversation channel, and a lightweight
// activity notice to every participant's personal channel so list views
// refresh without being joined to the conversation.
//
// A block silences the whole conversation: the gate rejects senders who
// face a blocked participant, and a sender whose own row is blocked is
// rejected here.
func (r *Relay) Send(ctx context.Context, senderID, conversationID int64, content string) (*event.Message, error) {
	m, err := r.store.GetMembership(ctx, conversationID, senderID)
	if err != nil {
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	if m == nil {
		return nil, ErrAccessDenied
	}
	if m.State == store.TrustBlocked {
		return nil, ErrBlocked
	}

	if err := r.gate(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg, err := r.store.InsertMessage(ctx, conversationID, senderID, content)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	r.tr.EmitToChannel(hub.ConversationChannel(conversationID), event.NewMessage, msg)

	participants, err := r.store.GetParticipantIDs(ctx, conversationID)
	if err != nil {
		// The message is already persisted and broadcast; losing the
		// activity notice is the lesser failure. Log and move on.
		log.Warnf("activity notice skipped for conversation %d: %v", conversationID, err)
		return msg, nil
	}
	activity := event.ConversationActivityPayload{
		ConversationID: conversationID,
		MessageID:      msg.ID,
	}
	for _, id := range participants {
		r.tr.EmitToChannel(hub.UserChannel(id), event.ConversationActivity, activity)
	}

	log.Debugf("message %d relayed to conversation %d", msg.ID, conversationID)
	return msg, nil
}

// MarkRead flips the read flag and notifies the original sender's
// personal channel. The caller's own membership in the message's
// conversation is not re-verified here.
func (r *Relay) MarkRead(ctx context.Context, identity, messageID int64) error {
	senderID, err := r.store.SetMessageRead(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	r.tr.EmitToChannel(hub.UserChannel(senderID), event.MessageRead,
		event.MessageReadPayload{MessageID: messageID})
	return nil
}

// Typing broadcasts a typing notice to the conversation channel,
// excluding the sender's own connection. Fire-and-forget: nothing is
// persisted and no membership check runs beyond having an identity bound.
func (r *Relay) Typing(connID string, identity, conversationID int64, isTyping bool) {
	r.tr.EmitToChannelExcept(hub.ConversationChannel(conversationID), connID,
		event.UserTyping, event.UserTypingPayload{UserID: identity, IsTyping: isTyping})
}
