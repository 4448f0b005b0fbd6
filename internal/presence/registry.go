// Package presence tracks which users hold live realtime connections and
// fans frames out to them.
package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chatrelay/pkg/domain"
)

// Conn is one live realtime connection as seen by the registry.
// Deliver must not block; it reports false when the frame was dropped.
type Conn interface {
	ID() string
	Deliver(frame []byte) bool
}

// Registry maps users to their live connections.
// A user appears in the roster iff it owns at least one connection.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[string]Conn // user ID -> conn ID -> conn
	owners map[string]string          // conn ID -> user ID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]map[string]Conn),
		owners: make(map[string]string),
	}
}

// Register binds conn to userID and broadcasts the updated roster to every
// live connection, including the new one.
func (r *Registry) Register(userID string, conn Conn) {
	connID := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owners[connID]; ok && prev != userID {
		r.detachLocked(prev, connID)
	}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]Conn)
		r.users[userID] = set
	}
	set[connID] = conn
	r.owners[connID] = userID
	r.broadcastRosterLocked()
}

// Unregister removes a connection. Unknown ids are ignored and trigger no
// broadcast. Reports whether the connection was known.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.owners[connID]
	if !ok {
		return false
	}
	r.detachLocked(userID, connID)
	r.broadcastRosterLocked()
	return true
}

// Relay delivers event to every connection of to and of from. A connection
// receives the frame at most once. Returns the number of connections that
// accepted the frame; zero when neither side is online.
func (r *Registry) Relay(from, to, event string, payload any) (int, error) {
	frame, err := encode(event, payload)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.users[to])+len(r.users[from]))
	delivered := 0
	for _, userID := range []string{to, from} {
		for connID, conn := range r.users[userID] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			if deliver(conn, userID, event, frame) {
				delivered++
			}
		}
	}
	return delivered, nil
}

// Snapshot returns the sorted roster of online user IDs.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

// IsOnline reports whether userID holds at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionCount returns how many live connections userID holds.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry) detachLocked(userID, connID string) {
	delete(r.owners, connID)
	set := r.users[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
	}
}

func (r *Registry) rosterLocked() []string {
	roster := make([]string, 0, len(r.users))
	for userID := range r.users {
		roster = append(roster, userID)
	}
	sort.Strings(roster)
	return roster
}

func (r *Registry) broadcastRosterLocked() {
	frame, err := encode(domain.EventOnlineUsers, r.rosterLocked())
	if err != nil {
		slog.Error("presence roster encode failed", "err", err)
		return
	}
	for userID, set := range r.users {
		for _, conn := range set {
			deliver(conn, userID, domain.EventOnlineUsers, frame)
		}
	}
}

func deliver(conn Conn, userID, event string, frame []byte) bool {
	if conn.Deliver(frame) {
		return true
	}
	slog.Warn("presence frame dropped", "user_id", userID, "conn_id", conn.ID(), "event", event)
	return false
}

func encode(event string, payload any) ([]byte, error) {
	frame, err := json.Marshal(domain.Envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return frame, nil
}
