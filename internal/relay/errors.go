package relay

import "errors"

// Failure taxonomy surfaced to clients. Every value maps to one generic
// error event sent only to the originating connection — failures are
// never broadcast and never terminate a connection.
var (
	// ErrAuthenticationRequired: the connection has no identity bound.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAccessDenied: the identity is not a participant of the
	// conversation.
	ErrAccessDenied = errors.New("access denied")

	// ErrBlocked: a participant has blocked the conversation; nobody in
	// it may send anymore.
	ErrBlocked = errors.New("blocked")

	// ErrAwaitingAcceptance: the sender already used their single
	// allowed message toward a still-pending participant.
	ErrAwaitingAcceptance = errors.New("awaiting acceptance")

	// ErrNotFound: the referenced record does not exist.
	ErrNotFound = errors.New("not found")
)
