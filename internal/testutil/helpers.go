// Package testutil provides in-memory test doubles and resource helpers
// shared by the notifier packages' tests.
package testutil

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"

	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/llm"
	"github.com/real-rm/notifier/internal/message"
	"github.com/real-rm/notifier/internal/storage"
)

// BaseTime is the timestamp of the first message a MockStore persists.
var BaseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// MockStore is an in-memory message, user and subscription store.
// Each inserted message is one millisecond newer than the previous one.
type MockStore struct {
	mu sync.Mutex

	Messages      []*message.Message
	Users         map[identity.User]bool
	Subscriptions map[identity.User][]storage.Subscription

	InsertCalls int
	FindCalls   int

	// Error injection
	InsertError error
	FindError   error
	UserError   error
	SubError    error
	PingError   error
}

// NewMockStore returns an empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		Users:         make(map[identity.User]bool),
		Subscriptions: make(map[identity.User][]storage.Subscription),
	}
}

// InsertMessage assigns an identifier and a timestamp and keeps the message.
func (m *MockStore) InsertMessage(_ context.Context, nm storage.NewMessage) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InsertCalls++
	if m.InsertError != nil {
		return nil, m.InsertError
	}
	n := len(m.Messages)
	msg := message.New(fmt.Sprintf("%024x", n+1), nm.Sender, nm.Recipient, nm.Kind,
		nm.OriginalText, nm.EnrichmentNote, nm.CustomText,
		BaseTime.Add(time.Duration(n)*time.Millisecond))
	m.Messages = append(m.Messages, msg)
	return msg, nil
}

// FindConversation returns the newest limit messages between a and b,
// oldest first.
func (m *MockStore) FindConversation(_ context.Context, a, b identity.User, limit int) ([]*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FindCalls++
	if m.FindError != nil {
		return nil, m.FindError
	}
	out := []*message.Message{}
	for _, msg := range m.Messages {
		if (msg.Sender == a.String() && msg.Recipient == b.String()) ||
			(msg.Sender == b.String() && msg.Recipient == a.String()) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// MessageCount returns the number of persisted messages.
func (m *MockStore) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// EnsureUser records user and reports whether it was new.
func (m *MockStore) EnsureUser(_ context.Context, user identity.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UserError != nil {
		return false, m.UserError
	}
	if m.Users[user] {
		return false, nil
	}
	m.Users[user] = true
	return true, nil
}

// AddSubscription stores sub unless its endpoint is already known for user.
func (m *MockStore) AddSubscription(_ context.Context, user identity.User, sub storage.Subscription) (bool, error) {
	if err := sub.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubError != nil {
		return false, m.SubError
	}
	for _, existing := range m.Subscriptions[user] {
		if existing.Endpoint == sub.Endpoint {
			return false, nil
		}
	}
	m.Subscriptions[user] = append(m.Subscriptions[user], sub)
	return true, nil
}

// RemoveSubscription drops the subscription with endpoint.
func (m *MockStore) RemoveSubscription(_ context.Context, user identity.User, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubError != nil {
		return false, m.SubError
	}
	for i, existing := range m.Subscriptions[user] {
		if existing.Endpoint == endpoint {
			m.Subscriptions[user] = append(m.Subscriptions[user][:i], m.Subscriptions[user][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ListSubscriptions returns a copy of user's subscriptions.
func (m *MockStore) ListSubscriptions(_ context.Context, user identity.User) ([]storage.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubError != nil {
		return nil, m.SubError
	}
	return append([]storage.Subscription(nil), m.Subscriptions[user]...), nil
}

// Ping returns PingError.
func (m *MockStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingError
}

// MockEnricher returns Result for every phrase and records the calls.
type MockEnricher struct {
	mu sync.Mutex

	Result  llm.Result
	Phrases []string
	Senders []identity.User
}

// Enrich implements the pipeline's enricher.
func (m *MockEnricher) Enrich(_ context.Context, phrase string, sender identity.User) llm.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Phrases = append(m.Phrases, phrase)
	m.Senders = append(m.Senders, sender)
	return m.Result
}

// CallCount returns the number of Enrich calls.
func (m *MockEnricher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Phrases)
}

// CreateTestLogger creates a logger for testing that writes to a temporary directory
func CreateTestLogger(t *testing.T) *golog.Logger {
	t.Helper()
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// AssertGoroutineCount fails when the goroutine count grew by more than a
// small tolerance.
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	const tolerance = 5

	t.Logf("Goroutine count (%s): %d -> %d (delta: %d)", description, before, after, after-before)
	assert.LessOrEqual(t, after-before, tolerance,
		"Goroutine count should not increase significantly (%s)", description)
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines gives exiting goroutines a moment to finish.
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}
