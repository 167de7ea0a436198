// Package registry tracks the live connections of each participant.
package registry

import (
	"sync"

	"github.com/real-rm/golog"

	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/metrics"
)

// Conn is a live connection that can take outbound frames.
type Conn interface {
	// ID is unique among live connections.
	ID() string
	// Send queues data without blocking and reports whether it was queued.
	Send(data []byte) bool
}

// Registry maps each participant to the set of their live connections.
// A participant with no connections has no entry at all.
type Registry struct {
	conns  map[identity.User]map[string]Conn
	logger *golog.Logger
	mu     sync.RWMutex
}

// New creates an empty registry.
func New(logger *golog.Logger) *Registry {
	return &Registry{
		conns:  make(map[identity.User]map[string]Conn),
		logger: logger.WithGroup("registry"),
	}
}

// Register adds conn to user's set. Registering the same connection twice is a no-op.
func (r *Registry) Register(user identity.User, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns := r.conns[user]
	if userConns == nil {
		userConns = make(map[string]Conn)
		r.conns[user] = userConns
	}
	if _, exists := userConns[conn.ID()]; exists {
		return
	}
	userConns[conn.ID()] = conn
	metrics.WebSocketConnections.Inc()

	r.logger.Info("Connection registered",
		"user", user.String(),
		"connection_id", conn.ID(),
		"total_connections", len(userConns))
}

// Unregister removes conn from user's set and drops the entry when it was the
// last one. It reports whether conn was registered.
func (r *Registry) Unregister(user identity.User, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns, ok := r.conns[user]
	if !ok {
		return false
	}
	if _, exists := userConns[conn.ID()]; !exists {
		return false
	}

	delete(userConns, conn.ID())
	if len(userConns) == 0 {
		delete(r.conns, user)
	}
	metrics.WebSocketConnections.Dec()

	r.logger.Info("Connection unregistered",
		"user", user.String(),
		"connection_id", conn.ID(),
		"remaining_connections", len(userConns))
	return true
}

// ActiveConnectionsFor returns a snapshot of user's connections; callers may
// send to them without holding any lock.
func (r *Registry) ActiveConnectionsFor(user identity.User) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.conns[user]
	out := make([]Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections of user.
func (r *Registry) Count(user identity.User) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[user])
}

// Total returns the number of live connections across both participants.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, userConns := range r.conns {
		total += len(userConns)
	}
	return total
}

// Snapshot returns the connection count of every participant with at least
// one live connection.
func (r *Registry) Snapshot() map[identity.User]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[identity.User]int, len(r.conns))
	for user, userConns := range r.conns {
		out[user] = len(userConns)
	}
	return out
}

// Has reports whether user has an entry.
func (r *Registry) Has(user identity.User) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[user]
	return ok
}

// Broadcast sends data to every live connection of user and returns how many
// connections accepted it and how many dropped it.
func (r *Registry) Broadcast(user identity.User, data []byte) (sent, dropped int) {
	for _, c := range r.ActiveConnectionsFor(user) {
		if c.Send(data) {
			sent++
			continue
		}
		dropped++
		metrics.FramesDropped.Inc()
		r.logger.Warn("Dropped frame for slow or closing connection",
			"user", user.String(),
			"connection_id", c.ID())
	}
	return sent, dropped
}

// Drain empties the registry and returns every connection it held.
func (r *Registry) Drain() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conn
	for user, userConns := range r.conns {
		for _, c := range userConns {
			out = append(out, c)
		}
		delete(r.conns, user)
	}
	metrics.WebSocketConnections.Sub(float64(len(out)))
	return out
}
