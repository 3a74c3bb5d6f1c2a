package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/pkg/logger"
)

type fakeStore struct {
	mu        sync.Mutex
	seq       int64
	events    []domain.MessageEvent
	markers   map[string]string
	appendErr error
}

func (s *fakeStore) Append(_ context.Context, room, sender, correlationID, content string) (domain.MessageEvent, error) {
	if s.appendErr != nil {
		return domain.MessageEvent{}, s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev := domain.MessageEvent{
		ID:            fmt.Sprintf("m%d", s.seq),
		Room:          room,
		Sender:        sender,
		Content:       content,
		Sequence:      s.seq,
		SentAt:        time.Now(),
		CorrelationID: correlationID,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *fakeStore) FetchSince(_ context.Context, room string, seq int64) ([]domain.MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MessageEvent
	for _, ev := range s.events {
		if ev.Room == room && ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkRead(_ context.Context, room, user, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers == nil {
		s.markers = make(map[string]string)
	}
	s.markers[room+"/"+user] = messageID
	return nil
}

func (s *fakeStore) ReadMarkers(_ context.Context, room string) (map[string]string, error) {
	return nil, nil
}

type fakeParticipants struct {
	members map[string][]string
}

func (p *fakeParticipants) IsParticipant(_ context.Context, user, room string) (bool, error) {
	for _, u := range p.members[room] {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

func (p *fakeParticipants) Participants(_ context.Context, room string) ([]string, error) {
	return p.members[room], nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (n *fakeNotifier) Notify(_ context.Context, user string, _ domain.MessageEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, user)
}

type fakeBus struct {
	mu         sync.Mutex
	published  []domain.Envelope
	publishErr error
}

func (b *fakeBus) PublishRoom(_ context.Context, _ string, env domain.Envelope) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *fakeBus) SubscribeRoom(string, func(domain.Envelope)) error       { return nil }
func (b *fakeBus) UnsubscribeRoom(string) error                           { return nil }
func (b *fakeBus) PublishPresence(context.Context, domain.PresenceState) error { return nil }
func (b *fakeBus) SubscribePresence(func(domain.PresenceState)) error     { return nil }
func (b *fakeBus) Close()                                                 {}

func newDispatcher(store *fakeStore, bus *fakeBus, online map[string]bool) (*Dispatcher, *fakeNotifier) {
	participants := &fakeParticipants{members: map[string][]string{
		"general": {"alice", "bob", "carol"},
	}}
	notifier := &fakeNotifier{}
	d := New(store, participants, notifier, bus,
		func(u string) bool { return online[u] },
		logger.NewLogger("error", ""))
	return d, notifier
}

func TestSendPersistsThenFansOut(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	d, notifier := newDispatcher(store, bus, map[string]bool{"alice": true, "bob": true})

	ev, err := d.Send(context.Background(), "alice", "general", "corr-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)
	assert.Equal(t, "corr-1", ev.CorrelationID)

	require.Len(t, bus.published, 1)
	assert.Equal(t, domain.EventMessage, bus.published[0].Type)
	assert.Equal(t, ev.ID, bus.published[0].Message.ID)

	// carol is offline and not the sender: exactly she gets the push intent.
	assert.ElementsMatch(t, []string{"carol"}, notifier.notified)
}

func TestSendUnauthorized(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	d, notifier := newDispatcher(store, bus, nil)

	_, err := d.Send(context.Background(), "mallory", "general", "", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	assert.Empty(t, store.events, "nothing persisted")
	assert.Empty(t, bus.published, "nothing delivered")
	assert.Empty(t, notifier.notified)
}

func TestSendPersistenceFailureDeliversNothing(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("disk full")}
	bus := &fakeBus{}
	d, notifier := newDispatcher(store, bus, nil)

	_, err := d.Send(context.Background(), "alice", "general", "corr-2", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.Empty(t, bus.published)
	assert.Empty(t, notifier.notified)
}

func TestSendSurvivesPublishFailure(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{publishErr: errors.New("broker down")}
	d, _ := newDispatcher(store, bus, map[string]bool{"alice": true, "bob": true, "carol": true})

	ev, err := d.Send(context.Background(), "alice", "general", "", "hello")
	require.NoError(t, err, "persisted sends succeed even when fan-out fails")
	assert.Equal(t, int64(1), ev.Sequence)
	assert.Len(t, store.events, 1)
}

func TestSequenceOrderAcrossSenders(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	d, _ := newDispatcher(store, bus, map[string]bool{"alice": true, "bob": true, "carol": true})

	for i, sender := range []string{"alice", "bob", "alice", "carol"} {
		_, err := d.Send(context.Background(), sender, "general", "", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	require.Len(t, bus.published, 4)
	for i, env := range bus.published {
		assert.Equal(t, int64(i+1), env.Message.Sequence, "fan-out follows persistence order")
	}
}

func TestMarkRead(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	d, _ := newDispatcher(store, bus, nil)

	require.NoError(t, d.MarkRead(context.Background(), "bob", "general", "m7"))
	assert.Equal(t, "m7", store.markers["general/bob"])

	require.Len(t, bus.published, 1)
	env := bus.published[0]
	assert.Equal(t, domain.EventReadReceipt, env.Type)
	assert.Equal(t, "bob", env.User)
	assert.Equal(t, "m7", env.MessageID)

	err := d.MarkRead(context.Background(), "mallory", "general", "m7")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestHistory(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	d, _ := newDispatcher(store, bus, map[string]bool{"alice": true, "bob": true, "carol": true})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := d.Send(ctx, "alice", "general", "", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	events, err := d.History(ctx, "bob", "general", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)

	events, err = d.History(ctx, "bob", "general", 3)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = d.History(ctx, "mallory", "general", 0)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}
