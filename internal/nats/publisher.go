package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulsegram/realtime/internal/domain"
)

func (c *Client) PublishRoom(_ context.Context, room string, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize event for room %s: %w", room, err)
	}
	return c.conn.Publish(roomSubject(room), data)
}

func (c *Client) PublishPresence(_ context.Context, state domain.PresenceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize presence event: %w", err)
	}
	return c.conn.Publish(presenceSubject, data)
}
