// Package store is the persistence collaborator for the coordination
// core: conversation memberships with their trust state, and message
// records. Message content is stored as-is — it is opaque ciphertext and
// is never inspected.
package store

import (
	"context"
	"errors"

	"github.com/havenchat/haven/internal/event"
)

// ErrNotFound is returned when a lookup targets a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// TrustState gates whether messaging is permitted for a participant.
type TrustState string

const (
	TrustAccepted TrustState = "accepted"
	TrustPending  TrustState = "pending"
	TrustBlocked  TrustState = "blocked"
)

// Membership is one (conversation, participant) row. A direct
// conversation has exactly two of these.
type Membership struct {
	ConversationID int64
	UserID         int64
	State          TrustState
}

// Store is the storage surface the relay depends on. Implementations must
// be safe for concurrent use; consistency across concurrent state changes
// is this collaborator's responsibility.
type Store interface {
	// GetMembership returns the membership row for (conversationID,
	// userID), or nil when the user is not a participant.
	GetMembership(ctx context.Context, conversationID, userID int64) (*Membership, error)

	// GetOtherMemberships returns every participant's membership except
	// the excluded user's.
	GetOtherMemberships(ctx context.Context, conversationID, excluding int64) ([]Membership, error)

	// CountMessagesBySender counts prior messages by senderID in the
	// conversation.
	CountMessagesBySender(ctx context.Context, conversationID, senderID int64) (int, error)

	// InsertMessage persists a new message with delivered=true,
	// read=false and returns the full record.
	InsertMessage(ctx context.Context, conversationID, senderID int64, content string) (*event.Message, error)

	// SetMessageRead flips the read flag and returns the original
	// sender's ID, or ErrNotFound when no such message exists.
	SetMessageRead(ctx context.Context, messageID int64) (int64, error)

	// GetParticipantIDs returns every participant of a conversation.
	GetParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
}
