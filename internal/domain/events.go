package domain

import "time"

type EventType string

const (
	// Client -> server intents.
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventSend        EventType = "send"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"
	EventMarkRead    EventType = "mark_read"
	EventSync        EventType = "sync"

	// Server -> client events.
	EventMessage     EventType = "message"
	EventPresence    EventType = "presence"
	EventTyping      EventType = "typing"
	EventRoomJoined  EventType = "room_joined"
	EventRoomSynced  EventType = "room_synced"
	EventReadReceipt EventType = "read_receipt"
	EventError       EventType = "error"
)

// Envelope is the single wire frame for both directions. Type selects which
// of the optional fields are meaningful.
type Envelope struct {
	Type          EventType      `json:"type"`
	Room          string         `json:"room,omitempty"`
	User          string         `json:"user,omitempty"`
	Content       string         `json:"content,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	SinceSeq      int64          `json:"since_seq,omitempty"`
	Typing        bool           `json:"typing,omitempty"`
	Message       *MessageEvent  `json:"message,omitempty"`
	History       []MessageEvent `json:"history,omitempty"`
	Members       []string       `json:"members,omitempty"`
	Presence      *PresenceState `json:"presence,omitempty"`
	Code          string         `json:"code,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// MessageEvent is the canonical message payload fanned out after a send has
// been durably appended. Sequence is assigned by the store and is the single
// source of ordering within a room.
type MessageEvent struct {
	ID            string    `json:"id"`
	Room          string    `json:"room"`
	Sender        string    `json:"sender"`
	Content       string    `json:"content"`
	Sequence      int64     `json:"sequence"`
	SentAt        time.Time `json:"sent_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
