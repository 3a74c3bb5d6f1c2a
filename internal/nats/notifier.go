package nats

import (
	"context"
	"encoding/json"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/pkg/logger"
)

// Notifier publishes push intents for participants with no live connections.
// The external push service consumes notify.user.<id>; delivery here is
// fire-and-forget.
type Notifier struct {
	client *Client
	logg   logger.Logger
}

func NewNotifier(client *Client, logg logger.Logger) *Notifier {
	return &Notifier{client: client, logg: logg}
}

func (n *Notifier) Notify(_ context.Context, user string, ev domain.MessageEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logg.Errorf("serialize notification for %s: %v", user, err)
		return
	}
	if err := n.client.conn.Publish(notifySubjectBase+user, data); err != nil {
		n.logg.Errorf("notification publish for %s failed: %v", user, err)
	}
}
