package domain

import "errors"

// Terminal operation errors. Each is reported synchronously to the initiating
// client only; everything else (per-recipient delivery failure, stale
// membership) is recovered locally and never surfaced as operation failure.
var (
	// ErrUnauthenticated means the handshake could not establish an identity.
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrUnauthorized means the user is not a participant of the conversation.
	ErrUnauthorized = errors.New("not a participant of this conversation")

	// ErrPersistence means the message store failed to durably append.
	ErrPersistence = errors.New("message store failure")
)

// ErrorCode maps an error to the wire-level code carried in error envelopes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
