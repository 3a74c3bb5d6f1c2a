package typing

import (
	"sync"
	"time"

	"github.com/pulsegram/realtime/internal/domain"
)

type key struct {
	room string
	user string
}

type entry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// Coordinator broadcasts best-effort typing indicators scoped to a room.
// Signals expire on their own: if no stop or refresh arrives within the
// window, the coordinator synthesizes the stop itself so receivers are never
// left with a stuck indicator. Nothing here is persisted or retried.
type Coordinator struct {
	mu     sync.Mutex
	active map[key]entry

	ttl       time.Duration
	broadcast func(room string, env domain.Envelope)
	now       func() time.Time
}

func New(ttl time.Duration, broadcast func(string, domain.Envelope)) *Coordinator {
	return &Coordinator{
		active:    make(map[key]entry),
		ttl:       ttl,
		broadcast: broadcast,
		now:       time.Now,
	}
}

// Start begins or refreshes the user's typing signal in the room. Only a
// fresh start is broadcast; a refresh just pushes the expiry out, so
// receivers never observe duplicate "is typing" state within the window.
// State is keyed per user, not per connection: a second tab refreshes the
// same signal.
func (c *Coordinator) Start(user, room string) {
	k := key{room: room, user: user}

	c.mu.Lock()
	prev, refreshing := c.active[k]
	if refreshing {
		prev.timer.Stop()
	}
	c.active[k] = entry{
		timer:     time.AfterFunc(c.ttl, func() { c.expire(user, room) }),
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()

	if refreshing {
		return
	}
	c.broadcast(room, domain.Envelope{
		Type:   domain.EventTyping,
		Room:   room,
		User:   user,
		Typing: true,
	})
}

// Stop clears the signal and broadcasts the stop. No-op if the signal is not
// active (already expired, or a message send already cleared it).
func (c *Coordinator) Stop(user, room string) {
	k := key{room: room, user: user}

	c.mu.Lock()
	e, ok := c.active[k]
	if ok {
		e.timer.Stop()
		delete(c.active, k)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.broadcastStop(user, room)
}

func (c *Coordinator) expire(user, room string) {
	k := key{room: room, user: user}

	c.mu.Lock()
	_, ok := c.active[k]
	if ok {
		delete(c.active, k)
	}
	c.mu.Unlock()

	// An explicit Stop may have won the race; exactly one stop goes out.
	if !ok {
		return
	}
	c.broadcastStop(user, room)
}

func (c *Coordinator) broadcastStop(user, room string) {
	c.broadcast(room, domain.Envelope{
		Type:   domain.EventTyping,
		Room:   room,
		User:   user,
		Typing: false,
	})
}

// Active reports the user's current signal in the room, if any.
func (c *Coordinator) Active(user, room string) (domain.TypingSignal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.active[key{room: room, user: user}]
	if !ok {
		return domain.TypingSignal{}, false
	}
	return domain.TypingSignal{Room: room, User: user, ExpiresAt: e.expiresAt}, true
}

// Close cancels every pending expiry without broadcasting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.active {
		e.timer.Stop()
		delete(c.active, k)
	}
}
