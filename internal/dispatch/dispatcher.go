package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/internal/port"
	"github.com/pulsegram/realtime/pkg/logger"
)

// Dispatcher runs the send protocol: authorize, persist, fan out, notify.
// Nothing is ever fanned out that did not durably commit, and a per-recipient
// delivery failure never rolls anything back.
type Dispatcher struct {
	store        port.MessageStore
	participants port.ParticipantsLookup
	notifier     port.NotificationDispatcher
	bus          port.EventBus
	online       func(user string) bool
	logg         logger.Logger

	// roomLocks serializes persist+publish per room so the bus sees
	// message events in sequence order.
	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex
}

func New(
	store port.MessageStore,
	participants port.ParticipantsLookup,
	notifier port.NotificationDispatcher,
	bus port.EventBus,
	online func(string) bool,
	logg logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:        store,
		participants: participants,
		notifier:     notifier,
		bus:          bus,
		online:       online,
		logg:         logg,
		roomLocks:    make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) roomLock(room string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.roomLocks[room]
	if !ok {
		l = &sync.Mutex{}
		d.roomLocks[room] = l
	}
	return l
}

// Send accepts a message intent from an authenticated sender. On success the
// canonical event, with its store-assigned sequence, is returned to the
// sender; the same event is fanned out to the room and offline participants
// get a notification intent. On any terminal failure nothing is delivered.
func (d *Dispatcher) Send(ctx context.Context, sender, room, correlationID, content string) (domain.MessageEvent, error) {
	ok, err := d.participants.IsParticipant(ctx, sender, room)
	if err != nil {
		return domain.MessageEvent{}, fmt.Errorf("participant check for %s: %w", room, err)
	}
	if !ok {
		return domain.MessageEvent{}, fmt.Errorf("%w: %s", domain.ErrUnauthorized, room)
	}

	// Concurrent senders must publish in the order their sequences were
	// assigned, so the append and the publish form one critical section.
	lock := d.roomLock(room)
	lock.Lock()
	ev, err := d.store.Append(ctx, room, sender, correlationID, content)
	if err != nil {
		lock.Unlock()
		return domain.MessageEvent{}, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	env := domain.Envelope{Type: domain.EventMessage, Room: room, Message: &ev}
	if err := d.bus.PublishRoom(ctx, room, env); err != nil {
		// The message is committed; joined clients close the gap on their
		// next sync.
		d.logg.Errorf("fan-out publish for room %s failed: %v", room, err)
	}
	lock.Unlock()

	d.notifyOffline(ctx, room, sender, ev)
	return ev, nil
}

// notifyOffline emits a push intent for every participant with zero live
// connections at delivery time. Best effort.
func (d *Dispatcher) notifyOffline(ctx context.Context, room, sender string, ev domain.MessageEvent) {
	users, err := d.participants.Participants(ctx, room)
	if err != nil {
		d.logg.Errorf("participants of %s unavailable, skipping notifications: %v", room, err)
		return
	}
	for _, u := range users {
		if u == sender || d.online(u) {
			continue
		}
		d.notifier.Notify(ctx, u, ev)
	}
}

// MarkRead persists the user's read marker and broadcasts the receipt to the
// room. The marker is stored before anything is broadcast, mirroring Send.
func (d *Dispatcher) MarkRead(ctx context.Context, user, room, messageID string) error {
	ok, err := d.participants.IsParticipant(ctx, user, room)
	if err != nil {
		return fmt.Errorf("participant check for %s: %w", room, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, room)
	}

	if err := d.store.MarkRead(ctx, room, user, messageID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	env := domain.Envelope{Type: domain.EventReadReceipt, Room: room, User: user, MessageID: messageID}
	if err := d.bus.PublishRoom(ctx, room, env); err != nil {
		d.logg.Errorf("read receipt publish for room %s failed: %v", room, err)
	}
	return nil
}

// History returns the room's events with sequence greater than since, in
// sequence order. Used by reconnecting clients to close delivery gaps.
func (d *Dispatcher) History(ctx context.Context, user, room string, since int64) ([]domain.MessageEvent, error) {
	ok, err := d.participants.IsParticipant(ctx, user, room)
	if err != nil {
		return nil, fmt.Errorf("participant check for %s: %w", room, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorized, room)
	}
	return d.store.FetchSince(ctx, room, since)
}
