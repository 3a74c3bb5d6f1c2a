package registry

import (
	"sync"
	"time"

	"github.com/pulsegram/realtime/internal/port"
)

// Connection is the in-memory record of one live transport session. It exists
// only for the lifetime of the session and is owned by the Registry.
type Connection struct {
	ID           string
	User         string
	Sink         port.Sink
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// Registry tracks which users are reachable over which live connections.
// A user may hold any number of simultaneous connections (tabs, devices).
// Connection lifecycle races are expected: every operation is an upsert or
// a no-op on missing keys, never an error.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Connection
	byConn map[string]*Connection
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Connection),
		byConn: make(map[string]*Connection),
	}
}

// Register records the connection under its user. Registering an id that is
// already present replaces the record, which absorbs duplicate-handshake
// races.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[c.ID]; ok {
		r.dropLocked(prev)
	}

	conns := r.byUser[c.User]
	if conns == nil {
		conns = make(map[string]*Connection)
		r.byUser[c.User] = conns
	}
	conns[c.ID] = c
	r.byConn[c.ID] = c
}

// Deregister removes the connection and reports the removed record together
// with whether it was the user's last one. Unknown ids are a no-op.
func (r *Registry) Deregister(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	r.dropLocked(c)
	return c, len(r.byUser[c.User]) == 0
}

func (r *Registry) dropLocked(c *Connection) {
	if conns := r.byUser[c.User]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.byUser, c.User)
		}
	}
	delete(r.byConn, c.ID)
}

// ConnectionsFor returns a snapshot of the user's live connection ids. The
// snapshot may be milliseconds stale under concurrent register/deregister.
func (r *Registry) ConnectionsFor(user string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[user]
	if len(conns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// Get looks up a connection record by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	return c, ok
}

// Touch refreshes the connection's last-activity timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byConn[connID]; ok {
		c.LastActiveAt = time.Now()
	}
}

// All returns a snapshot of every live connection record.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}
