// Package presence tracks which users currently hold live connections.
package presence

import (
	"sort"
	"sync"
)

// Tracker maps usernames to their live connection ids. A user may hold
// several simultaneous connections (one per device or tab). The tracker
// is constructed once and injected; it is safe for concurrent use.
type Tracker struct {
	mu          sync.RWMutex
	connections map[string][]string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		connections: make(map[string][]string),
	}
}

// UserConnected registers a connection for a user and reports whether it
// is the user's first, i.e. the user just came online. The check and the
// mutation happen under one lock so two near-simultaneous connects never
// both see "first".
func (t *Tracker) UserConnected(username, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, ok := t.connections[username]
	if !ok {
		t.connections[username] = []string{connID}
		return true
	}
	for _, id := range ids {
		if id == connID {
			// Already registered; not a transition.
			return false
		}
	}
	t.connections[username] = append(ids, connID)
	return false
}

// UserDisconnected removes a connection and reports whether it was the
// user's last, i.e. the user just went offline. Unknown users or
// connection ids are no-ops.
func (t *Tracker) UserDisconnected(username, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, ok := t.connections[username]
	if !ok {
		return false
	}
	for i, id := range ids {
		if id != connID {
			continue
		}
		ids = append(ids[:i], ids[i+1:]...)
		if len(ids) == 0 {
			delete(t.connections, username)
			return true
		}
		t.connections[username] = ids
		return false
	}
	return false
}

// GetConnections returns a snapshot of the user's current connection
// ids, empty when the user is offline. The snapshot is best-effort: an
// id may have disconnected by the time the caller delivers to it.
func (t *Tracker) GetConnections(username string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.connections[username]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// OnlineUsers returns the usernames with at least one live connection,
// sorted for stable output.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := make([]string, 0, len(t.connections))
	for username := range t.connections {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}
