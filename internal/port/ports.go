package port

import (
	"context"
	"time"

	"github.com/pulsegram/realtime/internal/domain"
)

// IdentityVerifier resolves a handshake token to a user identity. Connections
// that fail verification are refused before the registry ever sees them.
type IdentityVerifier interface {
	Verify(token string) (string, error)
}

// ParticipantsLookup answers who is authorized for a conversation.
type ParticipantsLookup interface {
	IsParticipant(ctx context.Context, user, room string) (bool, error)
	Participants(ctx context.Context, room string) ([]string, error)
}

// MessageStore durably appends messages and assigns the per-room sequence
// that is authoritative for ordering.
type MessageStore interface {
	Append(ctx context.Context, room, sender, correlationID, content string) (domain.MessageEvent, error)
	FetchSince(ctx context.Context, room string, seq int64) ([]domain.MessageEvent, error)
	MarkRead(ctx context.Context, room, user, messageID string) error
	ReadMarkers(ctx context.Context, room string) (map[string]string, error)
}

// NotificationDispatcher emits an out-of-band push intent for a participant
// with no live connections. Fire-and-forget.
type NotificationDispatcher interface {
	Notify(ctx context.Context, user string, ev domain.MessageEvent)
}

// LastSeenStore records when a user was last seen online.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, user string, at time.Time) error
}

// EventBus carries room-scoped and presence events between the dispatcher and
// the connection hubs. A room has at most one subscription per node.
type EventBus interface {
	PublishRoom(ctx context.Context, room string, env domain.Envelope) error
	SubscribeRoom(room string, handle func(domain.Envelope)) error
	UnsubscribeRoom(room string) error
	PublishPresence(ctx context.Context, state domain.PresenceState) error
	SubscribePresence(handle func(domain.PresenceState)) error
	Close()
}

// Sink is the delivery end of one live connection. Push must never block:
// it reports false when the connection cannot accept the event, and the
// caller treats that as a per-recipient delivery failure.
type Sink interface {
	Push(env domain.Envelope) bool
}
