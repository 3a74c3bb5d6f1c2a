package websocket

import (
	"context"
	"sync"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/internal/port"
	"github.com/pulsegram/realtime/pkg/logger"
)

// ChatService is what a connection needs from the protocol layer.
type ChatService interface {
	Connect(connID, user string, sink port.Sink)
	Disconnect(connID, user string)
	Join(ctx context.Context, connID, user, room string) ([]string, error)
	Leave(connID, user, room string)
	Send(ctx context.Context, user, room, correlationID, content string) (domain.MessageEvent, error)
	TypingStart(user, room string)
	TypingStop(user, room string)
	MarkRead(ctx context.Context, user, room, messageID string) error
	Sync(ctx context.Context, user, room string, since int64) ([]domain.MessageEvent, error)
}

// Connection represents a single WebSocket session for one user.
type Connection struct {
	ID   string
	User string

	ws   *gws.Conn
	send chan domain.Envelope
	hub  *Hub
	svc  ChatService
	logg logger.Logger

	// mu guards closed; pushes run on deliverer goroutines while the hub
	// tears the channel down, so the two must be serialized.
	mu     sync.Mutex
	closed bool
}

func NewConnection(ws *gws.Conn, hub *Hub, svc ChatService, user string, logg logger.Logger) *Connection {
	return &Connection{
		ID:   uuid.NewString(),
		User: user,
		ws:   ws,
		send: make(chan domain.Envelope, 256),
		hub:  hub,
		svc:  svc,
		logg: logg,
	}
}

// Push implements the delivery sink. It never blocks: when the buffer is
// full, or the connection is already torn down, the event is dropped and
// the caller records a delivery failure.
func (c *Connection) Push(env domain.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// closeSend ends the write pump. Idempotent, so an unregister racing hub
// shutdown tears down once.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump decodes client intents until the transport fails, then runs the
// disconnect cascade.
func (c *Connection) ReadPump() {
	defer func() {
		c.svc.Disconnect(c.ID, c.User)
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	for {
		var env domain.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.logg.Debugf("connection %s read ended: %v", c.ID, err)
			return
		}
		c.handle(env)
	}
}

func (c *Connection) handle(env domain.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case domain.EventJoin:
		members, err := c.svc.Join(ctx, c.ID, c.User, env.Room)
		if err != nil {
			c.pushError(env, err)
			return
		}
		c.Push(domain.Envelope{Type: domain.EventRoomJoined, Room: env.Room, Members: members})

	case domain.EventLeave:
		c.svc.Leave(c.ID, c.User, env.Room)

	case domain.EventSend:
		ev, err := c.svc.Send(ctx, c.User, env.Room, env.CorrelationID, env.Content)
		if err != nil {
			c.pushError(env, err)
			return
		}
		// Direct ack with the canonical event; if the sender is also joined
		// to the room the fan-out copy is de-duplicated client-side by id.
		c.Push(domain.Envelope{Type: domain.EventMessage, Room: env.Room, Message: &ev})

	case domain.EventTypingStart:
		c.svc.TypingStart(c.User, env.Room)

	case domain.EventTypingStop:
		c.svc.TypingStop(c.User, env.Room)

	case domain.EventMarkRead:
		if err := c.svc.MarkRead(ctx, c.User, env.Room, env.MessageID); err != nil {
			c.pushError(env, err)
		}

	case domain.EventSync:
		events, err := c.svc.Sync(ctx, c.User, env.Room, env.SinceSeq)
		if err != nil {
			c.pushError(env, err)
			return
		}
		c.Push(domain.Envelope{Type: domain.EventRoomSynced, Room: env.Room, History: events})

	default:
		c.logg.Debugf("connection %s sent unknown intent %q", c.ID, env.Type)
	}
}

func (c *Connection) pushError(cause domain.Envelope, err error) {
	c.Push(domain.Envelope{
		Type:          domain.EventError,
		Room:          cause.Room,
		CorrelationID: cause.CorrelationID,
		Code:          domain.ErrorCode(err),
		Error:         err.Error(),
	})
}

// WritePump drains the send channel onto the wire. It stops when the hub
// closes the channel or a write fails.
func (c *Connection) WritePump() {
	defer c.ws.Close()

	for env := range c.send {
		if err := c.ws.WriteJSON(env); err != nil {
			c.logg.Debugf("connection %s write ended: %v", c.ID, err)
			return
		}
	}
}
