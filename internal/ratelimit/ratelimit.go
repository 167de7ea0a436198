// Package ratelimit bounds websocket connections per identity and the rate of
// message submissions and push deliveries using a sliding window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/real-rm/golog"
	"github.com/real-rm/notifier/internal/constants"
)

// ConnectionLimiter limits the number of concurrent connections per user
type ConnectionLimiter struct {
	connections map[string]int // user -> connection count
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow reserves a connection slot for the user.
func (cl *ConnectionLimiter) Allow(user string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[user]
	if count >= cl.maxPerUser {
		return false
	}

	cl.connections[user] = count + 1
	return true
}

// Release returns a slot reserved by Allow.
func (cl *ConnectionLimiter) Release(user string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.connections[user]
	if !ok {
		return
	}
	if count <= 1 {
		delete(cl.connections, user)
		return
	}
	cl.connections[user] = count - 1
}

// GetCount returns the current connection count for a user
func (cl *ConnectionLimiter) GetCount(user string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[user]
}

// MessageLimiter is a sliding-window limiter keyed by an arbitrary string.
// The pipeline keys it by sender and the delivery gateway by recipient.
type MessageLimiter struct {
	events  map[string][]time.Time
	window  time.Duration
	limit   int
	maxKeys int
	mu      sync.RWMutex

	logger          *golog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a limiter allowing limit events per window.
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		maxKeys:         constants.MaxTrackedRateKeys,
		cleanupInterval: constants.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// WithLogger attaches a logger used by the background cleanup.
func (ml *MessageLimiter) WithLogger(logger *golog.Logger) *MessageLimiter {
	ml.logger = logger
	return ml
}

// Allow records an event for key and reports whether it fits in the window.
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	recent := ml.recentLocked(key, now)

	if len(recent) >= ml.limit {
		ml.events[key] = recent
		return false
	}

	// Unknown keys beyond the tracking cap are refused rather than growing the map.
	if _, tracked := ml.events[key]; !tracked && len(ml.events) >= ml.maxKeys {
		return false
	}

	ml.events[key] = append(recent, now)
	return true
}

func (ml *MessageLimiter) recentLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-ml.window)
	events := ml.events[key]
	recent := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// GetRetryAfter returns the time in milliseconds until the next event is allowed
func (ml *MessageLimiter) GetRetryAfter(key string) int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.events[key]
	if len(events) < ml.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var oldestInWindow time.Time
	for _, t := range events {
		if t.After(cutoff) && (oldestInWindow.IsZero() || t.Before(oldestInWindow)) {
			oldestInWindow = t
		}
	}

	if oldestInWindow.IsZero() {
		return 0
	}

	retryAfter := oldestInWindow.Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}

	return int(retryAfter.Milliseconds())
}

// TrackedKeys returns how many keys currently hold events.
func (ml *MessageLimiter) TrackedKeys() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return len(ml.events)
}

// Cleanup removes expired events and returns how many were dropped.
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, events := range ml.events {
		before := len(events)
		recent := ml.recentLocked(key, now)
		removed += before - len(recent)
		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
	return removed
}

// StartCleanup starts a background goroutine that periodically cleans up expired events
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed := ml.Cleanup()
				if removed > 0 && ml.logger != nil {
					ml.logger.Debug("Rate limiter cleanup", "removed_events", removed)
				}
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish.
// Safe to call more than once.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}
