package nats

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/pulsegram/realtime/pkg/logger"
)

// Client is the NATS-backed event bus. Rooms map to subjects, so every node
// that has local members of a room sees its events; NATS preserves publish
// order per connection, which keeps per-room delivery in sequence order.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	logg logger.Logger
}

func NewClient(url string, logg logger.Logger) (*Client, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		logg: logg,
	}, nil
}

func roomSubject(room string) string { return "chat.room." + room }

const (
	presenceSubject   = "chat.presence"
	notifySubjectBase = "notify.user."
)

// Close drops every subscription and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	for key, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, key)
	}
	c.mu.Unlock()

	c.conn.Close()
}
