// Package event is the single source of truth for the wire protocol:
// event names and payload shapes exchanged over a haven websocket
// connection. Both the server and the client import this package instead
// of repeating string literals.
package event

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// ── Inbound events (client → server) ─────────────────────────────────────────
const (
	Authenticate      = "authenticate"
	JoinConversation  = "join_conversation"
	LeaveConversation = "leave_conversation"
	SendMessage       = "send_message"
	MarkAsRead        = "mark_as_read"
	Typing            = "typing"

	CallUser     = "call_user"
	AnswerCall   = "answer_call"
	RejectCall   = "reject_call"
	ICECandidate = "ice_candidate" // also outbound, annotated with fromUserId
	EndCall      = "end_call"
)

// ── Outbound events (server → client) ────────────────────────────────────────
const (
	OnlineUsers          = "online_users"
	UserOnline           = "user_online"
	UserOffline          = "user_offline"
	NewMessage           = "new_message"
	ConversationActivity = "conversation_activity"
	MessageRead          = "message_read"
	UserTyping           = "user_typing"

	IncomingCall = "incoming_call"
	CallAnswer   = "call_answer"
	CallRejected = "call_rejected"
	CallEnded    = "call_ended"

	Error = "error"
)

// Envelope is the wire frame: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(name string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: name, Data: data}, nil
}

// Media describes which track kinds are requested or present in a call.
type Media struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Message is the full message record as it travels on the wire. Content is
// opaque ciphertext — produced and consumed outside this system, never
// inspected here.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Content        string    `json:"content"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ── Inbound payloads ─────────────────────────────────────────────────────────

type AuthenticatePayload struct {
	UserID int64 `json:"userId"`
}

type ConversationPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

type MarkAsReadPayload struct {
	MessageID int64 `json:"messageId"`
}

type TypingPayload struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}

type CallUserPayload struct {
	ToUserID int64                     `json:"toUserId"`
	Offer    webrtc.SessionDescription `json:"offer"`
	Media    Media                     `json:"media"`
}

type AnswerCallPayload struct {
	ToUserID int64                     `json:"toUserId"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

type RejectCallPayload struct {
	ToUserID int64  `json:"toUserId"`
	Reason   string `json:"reason,omitempty"`
}

type ICECandidatePayload struct {
	ToUserID  int64                   `json:"toUserId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type EndCallPayload struct {
	ToUserID int64 `json:"toUserId"`
}

// ── Outbound payloads ────────────────────────────────────────────────────────

type OnlineUsersPayload struct {
	UserIDs []int64 `json:"userIds"`
}

type PresencePayload struct {
	UserID int64 `json:"userId"`
}

type ConversationActivityPayload struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
}

type MessageReadPayload struct {
	MessageID int64 `json:"messageId"`
}

type UserTypingPayload struct {
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

type IncomingCallPayload struct {
	FromUserID int64                     `json:"fromUserId"`
	Offer      webrtc.SessionDescription `json:"offer"`
	Media      Media                     `json:"media"`
}

type CallAnswerPayload struct {
	FromUserID int64                     `json:"fromUserId"`
	Answer     webrtc.SessionDescription `json:"answer"`
}

type CallRejectedPayload struct {
	FromUserID int64  `json:"fromUserId"`
	Reason     string `json:"reason,omitempty"`
}

type RemoteICECandidatePayload struct {
	FromUserID int64                   `json:"fromUserId"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

type CallEndedPayload struct {
	FromUserID int64 `json:"fromUserId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
