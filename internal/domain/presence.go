package domain

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceState is the committed per-user presence value. It is derived from
// connection registry transitions and never mutated by clients directly.
type PresenceState struct {
	User       string         `json:"user"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// TypingSignal is an ephemeral, self-expiring indicator. It is never stored
// durably.
type TypingSignal struct {
	Room      string    `json:"room"`
	User      string    `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}
