package client

import (
	"sort"

	"github.com/pulsegram/realtime/internal/domain"
)

// roomState is the client-side reconciled view of one room.
type roomState struct {
	open     bool
	stale    bool
	lastSeq  int64
	seen     map[string]struct{}
	messages []domain.MessageEvent
	members  []string
}

func (c *Client) ensureRoomLocked(room string) *roomState {
	r, ok := c.rooms[room]
	if !ok {
		r = &roomState{seen: make(map[string]struct{})}
		c.rooms[room] = r
	}
	return r
}

// apply folds one server event into the reconciled view and forwards it to
// the event channel. Duplicate messages (already-seen id) are dropped and not
// forwarded.
func (c *Client) apply(env domain.Envelope) {
	switch env.Type {
	case domain.EventMessage:
		if env.Message == nil {
			return
		}
		c.mu.Lock()
		fresh := c.mergeMessageLocked(env.Room, *env.Message)
		c.mu.Unlock()
		if !fresh {
			return
		}

	case domain.EventRoomSynced:
		c.mu.Lock()
		r := c.ensureRoomLocked(env.Room)
		for _, ev := range env.History {
			c.mergeMessageLocked(env.Room, ev)
		}
		r.stale = false
		c.mu.Unlock()

	case domain.EventRoomJoined:
		c.mu.Lock()
		r := c.ensureRoomLocked(env.Room)
		r.members = env.Members
		c.mu.Unlock()

	case domain.EventError:
		if env.CorrelationID != "" {
			c.failPending(env.CorrelationID)
		}
	}

	c.forward(env)
}

// mergeMessageLocked inserts a message into the room's ordered view. It
// returns false for duplicates. An arriving message whose correlation id
// matches an optimistic entry promotes it: the pending entry is dropped in
// favor of the confirmed one.
func (c *Client) mergeMessageLocked(room string, ev domain.MessageEvent) bool {
	r := c.ensureRoomLocked(room)
	if _, dup := r.seen[ev.ID]; dup {
		return false
	}
	r.seen[ev.ID] = struct{}{}

	r.messages = append(r.messages, ev)
	sort.SliceStable(r.messages, func(i, j int) bool {
		return r.messages[i].Sequence < r.messages[j].Sequence
	})
	if ev.Sequence > r.lastSeq {
		r.lastSeq = ev.Sequence
	}

	if ev.CorrelationID != "" {
		delete(c.pending, ev.CorrelationID)
	}
	return true
}

func (c *Client) failPending(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[correlationID]; ok {
		p.Failed = true
	}
}

// markAllStale flags every open room as possibly missing events. Called when
// the transport drops; cleared per room by the room_synced reply.
func (c *Client) markAllStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		if r.open {
			r.stale = true
		}
	}
}

// resync re-joins every open room and requests the gap since the last
// locally held sequence. Runs after every successful (re)connect.
func (c *Client) resync() {
	c.mu.Lock()
	gaps := make(map[string]int64)
	for room, r := range c.rooms {
		if r.open {
			r.stale = true
			gaps[room] = r.lastSeq
		}
	}
	c.mu.Unlock()

	for room, since := range gaps {
		if err := c.write(domain.Envelope{Type: domain.EventJoin, Room: room}); err != nil {
			c.logg.Warnf("rejoin %s failed: %v", room, err)
			continue
		}
		if err := c.write(domain.Envelope{Type: domain.EventSync, Room: room, SinceSeq: since}); err != nil {
			c.logg.Warnf("sync %s failed: %v", room, err)
		}
	}
}

func (c *Client) forward(env domain.Envelope) {
	select {
	case c.events <- env:
	default:
		c.logg.Warnf("event buffer full, dropping %s", env.Type)
	}
}
