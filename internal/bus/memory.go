package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/pkg/logger"
)

// ErrClosed is returned for publishes after Close.
var ErrClosed = errors.New("event bus closed")

const roomQueueSize = 1024

// roomSub serializes a room's delivery: every published envelope goes
// through one queue drained by one goroutine, so all sinks observe the same
// order regardless of which goroutine published.
type roomSub struct {
	queue chan domain.Envelope
	done  chan struct{}
}

func newRoomSub(handle func(domain.Envelope)) *roomSub {
	s := &roomSub{
		queue: make(chan domain.Envelope, roomQueueSize),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for env := range s.queue {
			handle(env)
		}
	}()
	return s
}

// Memory is the in-process event bus used for single-node deployments and
// tests. It implements the same contract as the NATS bus: one handler per
// room, per-room publish order preserved.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[string]*roomSub
	presence []func(domain.PresenceState)
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*roomSub)}
}

func (m *Memory) PublishRoom(_ context.Context, room string, env domain.Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	// A room with no local members has no subscription; events for it are
	// of no interest to this node.
	sub, ok := m.rooms[room]
	if !ok {
		return nil
	}

	select {
	case sub.queue <- env:
		return nil
	default:
		return fmt.Errorf("room %s delivery queue full", room)
	}
}

func (m *Memory) SubscribeRoom(room string, handle func(domain.Envelope)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.rooms[room]; exists {
		return nil
	}
	m.rooms[room] = newRoomSub(handle)
	return nil
}

func (m *Memory) UnsubscribeRoom(room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, exists := m.rooms[room]; exists {
		delete(m.rooms, room)
		close(sub.queue)
	}
	return nil
}

func (m *Memory) PublishPresence(_ context.Context, state domain.PresenceState) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func(domain.PresenceState), len(m.presence))
	copy(handlers, m.presence)
	m.mu.RUnlock()

	for _, handle := range handlers {
		handle(state)
	}
	return nil
}

func (m *Memory) SubscribePresence(handle func(domain.PresenceState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.presence = append(m.presence, handle)
	return nil
}

// Close rejects further publishes and waits for every room queue to drain.
func (m *Memory) Close() {
	m.mu.Lock()
	subs := make([]*roomSub, 0, len(m.rooms))
	for room, sub := range m.rooms {
		delete(m.rooms, room)
		close(sub.queue)
		subs = append(subs, sub)
	}
	m.presence = nil
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}

// LogNotifier is the single-node notification path: without a broker to
// carry push intents, they are only logged. Multi-node deployments use the
// NATS notifier.
type LogNotifier struct {
	logg logger.Logger
}

func NewLogNotifier(logg logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) Notify(_ context.Context, user string, ev domain.MessageEvent) {
	n.logg.Infof("notify %s: new message %s in room %s", user, ev.ID, ev.Room)
}
