package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/internal/port"
)

// Membership maps conversations to the connections currently joined to them.
// It is entirely in-memory and rebuilt from client re-joins after a restart.
// A (connection, room) pair is either joined or not; there are no
// intermediate states.
type Membership struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
	lookup port.ParticipantsLookup
}

func New(lookup port.ParticipantsLookup) *Membership {
	return &Membership{
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
		lookup: lookup,
	}
}

// Join records the membership edge after verifying the user is an authorized
// participant of the room. Idempotent. It returns the member snapshot after
// the join and whether the room previously had no local members, so the
// caller can establish the room's fan-out subscription.
func (m *Membership) Join(ctx context.Context, connID, user, room string) (members []string, first bool, err error) {
	ok, err := m.lookup.IsParticipant(ctx, user, room)
	if err != nil {
		return nil, false, fmt.Errorf("participant lookup for %s: %w", room, err)
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrUnauthorized, room)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.byRoom[room]
	if conns == nil {
		conns = make(map[string]struct{})
		m.byRoom[room] = conns
	}
	first = len(conns) == 0
	conns[connID] = struct{}{}

	joined := m.byConn[connID]
	if joined == nil {
		joined = make(map[string]struct{})
		m.byConn[connID] = joined
	}
	joined[room] = struct{}{}

	members = make([]string, 0, len(conns))
	for id := range conns {
		members = append(members, id)
	}
	return members, first, nil
}

// Leave removes the single membership edge. No-op if absent. It reports
// whether the room has no local members left.
func (m *Membership) Leave(connID, room string) (empty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, room)
}

func (m *Membership) leaveLocked(connID, room string) bool {
	conns, ok := m.byRoom[room]
	if !ok {
		return false
	}
	delete(conns, connID)
	if joined := m.byConn[connID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
	if len(conns) == 0 {
		delete(m.byRoom, room)
		return true
	}
	return false
}

// LeaveAll removes every membership edge for a connection; invoked on the
// disconnect cascade. It returns the rooms that now have no local members.
func (m *Membership) LeaveAll(connID string) (emptied []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for room := range m.byConn[connID] {
		if m.leaveLocked(connID, room) {
			emptied = append(emptied, room)
		}
	}
	return emptied
}

// MembersOf returns a snapshot of the connection ids currently joined to the
// room. This is the fan-out target list; a delivery racing a concurrent
// leave may still target a removed connection, which callers treat as a
// harmless stale delivery.
func (m *Membership) MembersOf(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.byRoom[room]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms a connection has joined.
func (m *Membership) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.byConn[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}
