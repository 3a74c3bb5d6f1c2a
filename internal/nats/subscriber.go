package nats

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/pulsegram/realtime/internal/domain"
)

// SubscribeRoom attaches this node to the room's subject. A room has at most
// one subscription per node; a second call is a no-op.
func (c *Client) SubscribeRoom(room string, handle func(domain.Envelope)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	subject := roomSubject(room)
	if _, exists := c.subs[subject]; exists {
		return nil
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.logg.Errorf("skipping undecodable event on %s: %v", subject, err)
			return
		}
		handle(env)
	})
	if err != nil {
		return err
	}

	c.subs[subject] = sub
	return nil
}

// UnsubscribeRoom detaches the node from the room's subject. No-op when not
// subscribed.
func (c *Client) UnsubscribeRoom(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	subject := roomSubject(room)
	sub, exists := c.subs[subject]
	if !exists {
		return nil
	}
	delete(c.subs, subject)
	return sub.Unsubscribe()
}

// SubscribePresence attaches the node to the presence stream.
func (c *Client) SubscribePresence(handle func(domain.PresenceState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[presenceSubject]; exists {
		return nil
	}

	sub, err := c.conn.Subscribe(presenceSubject, func(msg *nats.Msg) {
		var state domain.PresenceState
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			c.logg.Errorf("skipping undecodable presence event: %v", err)
			return
		}
		handle(state)
	})
	if err != nil {
		return err
	}

	c.subs[presenceSubject] = sub
	return nil
}
