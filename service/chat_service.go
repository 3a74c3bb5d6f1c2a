package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulsegram/realtime/internal/dispatch"
	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/internal/port"
	"github.com/pulsegram/realtime/internal/presence"
	"github.com/pulsegram/realtime/internal/registry"
	"github.com/pulsegram/realtime/internal/rooms"
	"github.com/pulsegram/realtime/internal/typing"
	"github.com/pulsegram/realtime/pkg/logger"
)

// Config carries the collaborators and tuning knobs of the chat service.
type Config struct {
	Bus          port.EventBus
	Store        port.MessageStore
	Participants port.ParticipantsLookup
	Notifier     port.NotificationDispatcher
	LastSeen     port.LastSeenStore // optional

	PresenceGrace time.Duration
	TypingTTL     time.Duration
	Logger        logger.Logger
}

// ChatService wires the realtime components together and translates
// connection intents into component operations. It owns the node's per-room
// bus subscriptions: a room is subscribed while it has local members.
type ChatService struct {
	registry *registry.Registry
	rooms    *rooms.Membership
	presence *presence.Tracker
	typing   *typing.Coordinator
	dispatch *dispatch.Dispatcher

	bus      port.EventBus
	lastSeen port.LastSeenStore
	logg     logger.Logger

	// subMu makes a membership transition and its bus subscription change
	// one atomic step. Without it a leave that empties a room can detach
	// the subscription a concurrent first-member join just reused.
	subMu sync.Mutex
}

func NewChatService(cfg Config) (*ChatService, error) {
	s := &ChatService{
		bus:      cfg.Bus,
		lastSeen: cfg.LastSeen,
		logg:     cfg.Logger.WithModule("chat"),
	}

	s.registry = registry.New()
	s.rooms = rooms.New(cfg.Participants)
	s.presence = presence.New(cfg.PresenceGrace,
		func(user string) int { return len(s.registry.ConnectionsFor(user)) },
		s.emitPresence)
	s.typing = typing.New(cfg.TypingTTL, s.broadcastRoom)
	s.dispatch = dispatch.New(cfg.Store, cfg.Participants, cfg.Notifier, cfg.Bus,
		func(user string) bool { return len(s.registry.ConnectionsFor(user)) > 0 },
		cfg.Logger.WithModule("dispatch"))

	if err := cfg.Bus.SubscribePresence(s.deliverPresence); err != nil {
		return nil, fmt.Errorf("presence subscription: %w", err)
	}
	return s, nil
}

// Connect registers a freshly authenticated connection.
func (s *ChatService) Connect(connID, user string, sink port.Sink) {
	now := time.Now()
	s.registry.Register(&registry.Connection{
		ID:           connID,
		User:         user,
		Sink:         sink,
		ConnectedAt:  now,
		LastActiveAt: now,
	})
	s.presence.OnConnectionRegistered(user)
	s.logg.Infof("connection %s registered for %s", connID, user)
}

// Disconnect runs the teardown cascade: membership edges go first so no
// further fan-out targets the connection, then the registry record, then the
// debounced presence check if this was the user's last connection.
func (s *ChatService) Disconnect(connID, user string) {
	s.subMu.Lock()
	for _, room := range s.rooms.LeaveAll(connID) {
		if err := s.bus.UnsubscribeRoom(room); err != nil {
			s.logg.Errorf("unsubscribe %s: %v", room, err)
		}
	}
	s.subMu.Unlock()
	if _, last := s.registry.Deregister(connID); last {
		s.presence.OnConnectionDeregistered(user)
	}
	s.logg.Infof("connection %s deregistered for %s", connID, user)
}

// Join adds the connection to the room and returns the member snapshot. The
// first local member establishes the room's fan-out subscription.
func (s *ChatService) Join(ctx context.Context, connID, user, room string) ([]string, error) {
	s.subMu.Lock()
	members, first, err := s.rooms.Join(ctx, connID, user, room)
	if err != nil {
		s.subMu.Unlock()
		return nil, err
	}
	if first {
		if err := s.bus.SubscribeRoom(room, s.roomDeliverer(room)); err != nil {
			s.rooms.Leave(connID, room)
			s.subMu.Unlock()
			return nil, fmt.Errorf("room subscription for %s: %w", room, err)
		}
	}
	s.subMu.Unlock()

	s.registry.Touch(connID)
	return members, nil
}

// Leave removes the single membership edge.
func (s *ChatService) Leave(connID, user, room string) {
	s.subMu.Lock()
	if empty := s.rooms.Leave(connID, room); empty {
		if err := s.bus.UnsubscribeRoom(room); err != nil {
			s.logg.Errorf("unsubscribe %s: %v", room, err)
		}
	}
	s.subMu.Unlock()
	s.registry.Touch(connID)
}

// Send runs the dispatch protocol and clears any live typing signal the
// sender had in the room.
func (s *ChatService) Send(ctx context.Context, user, room, correlationID, content string) (domain.MessageEvent, error) {
	ev, err := s.dispatch.Send(ctx, user, room, correlationID, content)
	s.typing.Stop(user, room)
	return ev, err
}

func (s *ChatService) TypingStart(user, room string) { s.typing.Start(user, room) }
func (s *ChatService) TypingStop(user, room string)  { s.typing.Stop(user, room) }

func (s *ChatService) MarkRead(ctx context.Context, user, room, messageID string) error {
	return s.dispatch.MarkRead(ctx, user, room, messageID)
}

// Sync returns the room's events after the given sequence, for reconnect
// gap-filling.
func (s *ChatService) Sync(ctx context.Context, user, room string, since int64) ([]domain.MessageEvent, error) {
	return s.dispatch.History(ctx, user, room, since)
}

// Presence reports the last committed presence state for a user.
func (s *ChatService) Presence(user string) domain.PresenceState {
	return s.presence.Current(user)
}

// Close stops the timers owned by the components. Connections are torn down
// by the transport layer.
func (s *ChatService) Close() {
	s.presence.Close()
	s.typing.Close()
}

// roomDeliverer builds the node-local fan-out handler for one room: every
// locally joined connection gets the event, except that typing signals skip
// the typist's own connections. A member that disappeared since the snapshot
// is stale membership, not an error; a full send buffer is a per-recipient
// delivery failure and only logged.
func (s *ChatService) roomDeliverer(room string) func(domain.Envelope) {
	return func(env domain.Envelope) {
		for _, connID := range s.rooms.MembersOf(room) {
			rec, ok := s.registry.Get(connID)
			if !ok {
				continue
			}
			if env.Type == domain.EventTyping && rec.User == env.User {
				continue
			}
			if !rec.Sink.Push(env) {
				s.logg.Warnf("dropped %s event for connection %s (slow or closed)", env.Type, connID)
			}
		}
	}
}

// emitPresence publishes a committed presence transition and records the
// last-seen timestamp for offline transitions.
func (s *ChatService) emitPresence(state domain.PresenceState) {
	ctx := context.Background()
	if state.Status == domain.PresenceOffline && s.lastSeen != nil {
		if err := s.lastSeen.SetLastSeen(ctx, state.User, state.LastSeenAt); err != nil {
			s.logg.Errorf("record last seen for %s: %v", state.User, err)
		}
	}
	if err := s.bus.PublishPresence(ctx, state); err != nil {
		s.logg.Errorf("presence publish for %s: %v", state.User, err)
	}
}

// deliverPresence pushes a presence change to every local connection.
func (s *ChatService) deliverPresence(state domain.PresenceState) {
	env := domain.Envelope{Type: domain.EventPresence, User: state.User, Presence: &state}
	for _, rec := range s.registry.All() {
		rec.Sink.Push(env)
	}
}

// broadcastRoom is the typing coordinator's publish path.
func (s *ChatService) broadcastRoom(room string, env domain.Envelope) {
	if err := s.bus.PublishRoom(context.Background(), room, env); err != nil {
		s.logg.Errorf("typing publish for %s: %v", room, err)
	}
}
