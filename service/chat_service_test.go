package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegram/realtime/internal/bus"
	"github.com/pulsegram/realtime/internal/domain"
	redisc "github.com/pulsegram/realtime/internal/redis"
	"github.com/pulsegram/realtime/pkg/logger"
)

type sink struct {
	mu   sync.Mutex
	envs []domain.Envelope
	full bool
}

func (s *sink) Push(env domain.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.envs = append(s.envs, env)
	return true
}

func (s *sink) byType(t domain.EventType) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, env := range s.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// waitEnvs blocks until the sink holds exactly n envelopes of the type.
func waitEnvs(t *testing.T, s *sink, typ domain.EventType, n int) []domain.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.byType(typ)) == n
	}, time.Second, 5*time.Millisecond)
	return s.byType(typ)
}

type captureNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (n *captureNotifier) Notify(_ context.Context, user string, _ domain.MessageEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, user)
}

func (n *captureNotifier) users() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notified))
	copy(out, n.notified)
	return out
}

type fixture struct {
	svc      *ChatService
	store    *redisc.Client
	notifier *captureNotifier
}

func setup(t *testing.T, grace time.Duration) *fixture {
	mr := miniredis.RunT(t)
	store, err := redisc.NewClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	notifier := &captureNotifier{}
	svc, err := NewChatService(Config{
		Bus:           bus.NewMemory(),
		Store:         store,
		Participants:  store,
		Notifier:      notifier,
		LastSeen:      store,
		PresenceGrace: grace,
		TypingTTL:     time.Hour,
		Logger:        logger.NewLogger("error", ""),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Close()
		store.Close()
	})
	return &fixture{svc: svc, store: store, notifier: notifier}
}

func (f *fixture) seedRoom(t *testing.T, room string, users ...string) {
	for _, u := range users {
		require.NoError(t, f.store.AddParticipant(context.Background(), room, u))
	}
}

func TestJoinSendFanOut(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob", "carol")

	aliceSink, bobSink := &sink{}, &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	f.svc.Connect("c-bob", "bob", bobSink)

	members, err := f.svc.Join(ctx, "c-alice", "alice", "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c-alice"}, members)

	members, err = f.svc.Join(ctx, "c-bob", "bob", "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c-alice", "c-bob"}, members)

	ev, err := f.svc.Send(ctx, "alice", "general", "corr-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)

	for _, s := range []*sink{aliceSink, bobSink} {
		got := waitEnvs(t, s, domain.EventMessage, 1)
		assert.Equal(t, "hello", got[0].Message.Content)
		assert.Equal(t, "alice", got[0].Message.Sender)
	}

	// carol has no connection: she gets the push intent, nobody else does.
	assert.ElementsMatch(t, []string{"carol"}, f.notifier.users())
}

func TestSenderNeedNotBeJoined(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	aliceSink, bobSink := &sink{}, &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	f.svc.Connect("c-bob", "bob", bobSink)

	_, err := f.svc.Join(ctx, "c-alice", "alice", "general")
	require.NoError(t, err)

	// bob sends without having joined; alice still receives it.
	_, err = f.svc.Send(ctx, "bob", "general", "", "hi there")
	require.NoError(t, err)

	waitEnvs(t, aliceSink, domain.EventMessage, 1)
	assert.Empty(t, bobSink.byType(domain.EventMessage))
}

func TestSendUnauthorizedAndUnpersisted(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice")

	aliceSink := &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	_, err := f.svc.Join(ctx, "c-alice", "alice", "general")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, "mallory", "general", "", "spam")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	assert.Empty(t, aliceSink.byType(domain.EventMessage), "refused send delivers nothing")
}

func TestDeliveryOrderFollowsSequence(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	bobSink := &sink{}
	f.svc.Connect("c-bob", "bob", bobSink)
	_, err := f.svc.Join(ctx, "c-bob", "bob", "general")
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.svc.Send(ctx, "alice", "general", "", content)
		require.NoError(t, err)
	}

	got := waitEnvs(t, bobSink, domain.EventMessage, 3)
	for i, env := range got {
		assert.Equal(t, int64(i+1), env.Message.Sequence)
	}
}

func TestConcurrentSendersDeliverInSequenceOrder(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob", "carol")

	aliceSink, bobSink := &sink{}, &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	f.svc.Connect("c-bob", "bob", bobSink)
	for conn, user := range map[string]string{"c-alice": "alice", "c-bob": "bob"} {
		_, err := f.svc.Join(ctx, conn, user, "general")
		require.NoError(t, err)
	}

	const senders = 4
	const perSender = 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := f.svc.Send(ctx, "carol", "general", "", "burst")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	total := senders * perSender
	for _, s := range []*sink{aliceSink, bobSink} {
		got := waitEnvs(t, s, domain.EventMessage, total)
		for i, env := range got {
			assert.Equal(t, int64(i+1), env.Message.Sequence,
				"every member sees the persisted sequence order")
		}
	}
}

func TestJoinLeaveChurnKeepsSubscription(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	bobSink := &sink{}
	f.svc.Connect("c-alice", "alice", &sink{})
	f.svc.Connect("c-bob", "bob", bobSink)

	// Two connections churn the room across its empty boundary; bob's final
	// iteration stays joined.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := f.svc.Join(ctx, "c-alice", "alice", "general")
			assert.NoError(t, err)
			f.svc.Leave("c-alice", "alice", "general")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.svc.Leave("c-bob", "bob", "general")
			_, err := f.svc.Join(ctx, "c-bob", "bob", "general")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// Whatever the interleaving, the surviving member still receives.
	_, err := f.svc.Send(ctx, "alice", "general", "", "still wired")
	require.NoError(t, err)
	waitEnvs(t, bobSink, domain.EventMessage, 1)
}

func TestDisconnectCascade(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "a", "alice", "bob")
	f.seedRoom(t, "b", "alice", "bob")

	aliceSink := &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	for _, room := range []string{"a", "b"} {
		_, err := f.svc.Join(ctx, "c-alice", "alice", room)
		require.NoError(t, err)
	}

	f.svc.Disconnect("c-alice", "alice")

	// No further delivery to the departed connection.
	_, err := f.svc.Send(ctx, "bob", "a", "", "anyone here?")
	require.NoError(t, err)
	assert.Empty(t, aliceSink.byType(domain.EventMessage))

	// The disconnect cascade is idempotent.
	f.svc.Disconnect("c-alice", "alice")
}

func TestPresenceObservedByPeer(t *testing.T) {
	f := setup(t, 30*time.Millisecond)

	bobSink := &sink{}
	f.svc.Connect("c-bob", "bob", bobSink)

	aliceSink1, aliceSink2 := &sink{}, &sink{}
	f.svc.Connect("c-a1", "alice", aliceSink1)
	f.svc.Connect("c-a2", "alice", aliceSink2)

	online := 0
	for _, env := range bobSink.byType(domain.EventPresence) {
		if env.User == "alice" && env.Presence.Status == domain.PresenceOnline {
			online++
		}
	}
	assert.Equal(t, 1, online, "second device adds no visible transition")

	// Dropping one of two connections must not go offline.
	f.svc.Disconnect("c-a1", "alice")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, domain.PresenceOnline, f.svc.Presence("alice").Status)

	f.svc.Disconnect("c-a2", "alice")
	assert.Eventually(t, func() bool {
		return f.svc.Presence("alice").Status == domain.PresenceOffline
	}, time.Second, 5*time.Millisecond)

	offline := 0
	for _, env := range bobSink.byType(domain.EventPresence) {
		if env.User == "alice" && env.Presence.Status == domain.PresenceOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)

	// The offline transition recorded alice's last-seen timestamp.
	_, ok, err := f.store.LastSeen(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTypingExcludesTypist(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	aliceSink, bobSink := &sink{}, &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	f.svc.Connect("c-bob", "bob", bobSink)
	for conn, user := range map[string]string{"c-alice": "alice", "c-bob": "bob"} {
		_, err := f.svc.Join(ctx, conn, user, "general")
		require.NoError(t, err)
	}

	f.svc.TypingStart("alice", "general")

	got := waitEnvs(t, bobSink, domain.EventTyping, 1)
	assert.True(t, got[0].Typing)
	assert.Equal(t, "alice", got[0].User)
	assert.Empty(t, aliceSink.byType(domain.EventTyping))

	// Sending the message clears the signal with a single stop.
	_, err := f.svc.Send(ctx, "alice", "general", "", "done typing")
	require.NoError(t, err)

	got = waitEnvs(t, bobSink, domain.EventTyping, 2)
	assert.False(t, got[1].Typing)
}

func TestMarkReadBroadcast(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	aliceSink := &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	_, err := f.svc.Join(ctx, "c-alice", "alice", "general")
	require.NoError(t, err)

	ev, err := f.svc.Send(ctx, "alice", "general", "", "read me")
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkRead(ctx, "bob", "general", ev.ID))

	got := waitEnvs(t, aliceSink, domain.EventReadReceipt, 1)
	assert.Equal(t, "bob", got[0].User)
	assert.Equal(t, ev.ID, got[0].MessageID)

	markers, err := f.store.ReadMarkers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, markers["bob"])
}

func TestSyncClosesGap(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	aliceSink := &sink{}
	f.svc.Connect("c-alice", "alice", aliceSink)
	_, err := f.svc.Join(ctx, "c-alice", "alice", "general")
	require.NoError(t, err)

	ev1, err := f.svc.Send(ctx, "bob", "general", "", "before drop")
	require.NoError(t, err)

	// alice drops; bob keeps talking.
	f.svc.Disconnect("c-alice", "alice")
	_, err = f.svc.Send(ctx, "bob", "general", "", "while away")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "bob", "general", "", "still away")
	require.NoError(t, err)

	// Reconnect with a fresh connection id, rejoin, fetch the gap.
	aliceSink2 := &sink{}
	f.svc.Connect("c-alice-2", "alice", aliceSink2)
	_, err = f.svc.Join(ctx, "c-alice-2", "alice", "general")
	require.NoError(t, err)

	events, err := f.svc.Sync(ctx, "alice", "general", ev1.Sequence)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "while away", events[0].Content)
	assert.Equal(t, "still away", events[1].Content)

	// Nothing new since the last event: the gap fetch is empty.
	events, err = f.svc.Sync(ctx, "alice", "general", events[1].Sequence)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSlowConsumerDoesNotAffectOthers(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.seedRoom(t, "general", "alice", "bob")

	full := &sink{full: true}
	bobSink := &sink{}
	f.svc.Connect("c-alice", "alice", full)
	f.svc.Connect("c-bob", "bob", bobSink)
	for conn, user := range map[string]string{"c-alice": "alice", "c-bob": "bob"} {
		_, err := f.svc.Join(ctx, conn, user, "general")
		require.NoError(t, err)
	}

	_, err := f.svc.Send(ctx, "alice", "general", "", "hello")
	require.NoError(t, err, "a per-recipient delivery failure never fails the send")
	waitEnvs(t, bobSink, domain.EventMessage, 1)
}
