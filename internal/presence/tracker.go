package presence

import (
	"sync"
	"time"

	"github.com/pulsegram/realtime/internal/domain"
)

// Tracker derives per-user online/offline state from connection registry
// transitions. Offline commits are debounced by a grace period so a page
// reload or network blip does not flap presence; while the grace period is
// pending the user is still reported online.
type Tracker struct {
	mu     sync.Mutex
	states map[string]domain.PresenceState
	timers map[string]*time.Timer

	grace time.Duration
	live  func(user string) int
	emit  func(state domain.PresenceState)
	now   func() time.Time
}

// New builds a tracker. live reports the user's current number of registered
// connections; emit receives committed presence transitions.
func New(grace time.Duration, live func(string) int, emit func(domain.PresenceState)) *Tracker {
	return &Tracker{
		states: make(map[string]domain.PresenceState),
		timers: make(map[string]*time.Timer),
		grace:  grace,
		live:   live,
		emit:   emit,
		now:    time.Now,
	}
}

// OnConnectionRegistered cancels any pending offline check and, if the user
// was not already online, commits and emits the online transition.
func (t *Tracker) OnConnectionRegistered(user string) {
	t.mu.Lock()
	if tm, ok := t.timers[user]; ok {
		tm.Stop()
		delete(t.timers, user)
	}
	if st, ok := t.states[user]; ok && st.Status == domain.PresenceOnline {
		t.mu.Unlock()
		return
	}
	st := domain.PresenceState{User: user, Status: domain.PresenceOnline, LastSeenAt: t.now()}
	t.states[user] = st
	t.mu.Unlock()

	t.emit(st)
}

// OnConnectionDeregistered schedules the delayed offline check. Called when
// the user's last known connection went away; if they reconnect before the
// grace period elapses the check is cancelled.
func (t *Tracker) OnConnectionDeregistered(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tm, ok := t.timers[user]; ok {
		tm.Stop()
	}
	t.timers[user] = time.AfterFunc(t.grace, func() {
		t.commitOffline(user)
	})
}

func (t *Tracker) commitOffline(user string) {
	t.mu.Lock()
	delete(t.timers, user)
	if t.live(user) > 0 {
		// Reconnected during the grace period.
		t.mu.Unlock()
		return
	}
	st := domain.PresenceState{User: user, Status: domain.PresenceOffline, LastSeenAt: t.now()}
	t.states[user] = st
	t.mu.Unlock()

	t.emit(st)
}

// Current returns the last committed presence state. Users never seen are
// reported offline.
func (t *Tracker) Current(user string) domain.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[user]; ok {
		return st
	}
	return domain.PresenceState{User: user, Status: domain.PresenceOffline}
}

// Close stops all pending offline checks.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for user, tm := range t.timers {
		tm.Stop()
		delete(t.timers, user)
	}
}
