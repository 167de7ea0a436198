package util

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLoggerForUtil(t *testing.T) *golog.Logger {
	t.Helper()
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestSafeGo_NormalExecution(t *testing.T) {
	logger := createTestLoggerForUtil(t)

	var wg sync.WaitGroup
	wg.Add(1)
	executed := false
	SafeGo(logger, "test", func() {
		defer wg.Done()
		executed = true
	})
	wg.Wait()

	assert.True(t, executed)
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	logger := createTestLoggerForUtil(t)

	done := make(chan struct{})
	SafeGo(logger, "test-panic", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}
}

func TestTraceID(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx := NewContextWithTraceID(context.Background())
	id := TraceIDFromContext(ctx)
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "trace id should be a UUID")

	ctx = ContextWithTraceID(context.Background(), "req-1")
	assert.Equal(t, "req-1", TraceIDFromContext(ctx))
}

func TestDetachedTimeoutContext(t *testing.T) {
	parent, cancelParent := context.WithCancel(ContextWithTraceID(context.Background(), "abc"))
	ctx, cancel := DetachedTimeoutContext(parent, time.Second)
	defer cancel()

	cancelParent()
	assert.NoError(t, ctx.Err(), "detached context must survive parent cancellation")
	assert.Equal(t, "abc", TraceIDFromContext(ctx))

	_, hasDeadline := ctx.Deadline()
	assert.True(t, hasDeadline)
}

func TestJSONHelpers(t *testing.T) {
	data, err := MarshalJSON(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	_, err = MarshalJSON(make(chan int))
	assert.ErrorContains(t, err, "JSON marshal error")

	var out map[string]int
	assert.ErrorContains(t, UnmarshalJSON([]byte("{"), &out), "JSON unmarshal error")
}

func TestLogError_DoesNotPanic(t *testing.T) {
	logger := createTestLoggerForUtil(t)
	LogError(logger, "test-component", "test operation", errors.New("test error"), "key", "value")
}

func TestRedactEndpoint(t *testing.T) {
	short := "https://push.example/abc"
	assert.Equal(t, short, RedactEndpoint(short))

	long := "https://fcm.googleapis.com/fcm/send/" + strings.Repeat("z", 150)
	got := RedactEndpoint(long)
	assert.LessOrEqual(t, len([]rune(got)), 40)
	assert.Contains(t, got, "...")
	assert.True(t, strings.HasPrefix(got, "https://"))
}

func TestExtractBearerToken(t *testing.T) {
	token, err := ExtractBearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)

	_, err = ExtractBearerToken("")
	assert.ErrorIs(t, err, ErrMissingAuthHeader)

	for _, bad := range []string{"Bearer ", "bearer abc", "Basic abc", "Bearerabc"} {
		_, err = ExtractBearerToken(bad)
		assert.ErrorIs(t, err, ErrInvalidAuthHeader, bad)
	}
}

func TestContainsWeakPattern(t *testing.T) {
	found, pattern := ContainsWeakPattern("MyPassword1", []string{"password", "admin"})
	assert.True(t, found)
	assert.Equal(t, "password", pattern)

	found, _ = ContainsWeakPattern("k8Zq!vT", []string{"password"})
	assert.False(t, found)
}

func TestContainsPlaceholder(t *testing.T) {
	assert.True(t, ContainsPlaceholder("REPLACE_WITH_REAL_KEY"))
	assert.True(t, ContainsPlaceholder("your-vapid-key"))
	assert.False(t, ContainsPlaceholder("BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM"))
}

func TestValidators(t *testing.T) {
	assert.Error(t, ValidateNotEmpty("", "field"))
	assert.NoError(t, ValidateNotEmpty("x", "field"))

	assert.Error(t, ValidateRange(0, 1, 65535, "port"))
	assert.NoError(t, ValidateRange(8080, 1, 65535, "port"))

	assert.Error(t, ValidateMinLength("short", 8, "secret"))
	assert.NoError(t, ValidateMinLength("long enough", 8, "secret"))

	assert.NoError(t, ValidateExactLength(nil, 32, "key"))
	assert.NoError(t, ValidateExactLength(make([]byte, 32), 32, "key"))
	assert.Error(t, ValidateExactLength(make([]byte, 16), 32, "key"))

	assert.Error(t, ValidatePositive(0, "limit"))
	assert.NoError(t, ValidatePositive(1, "limit"))
}

func TestValidatePushEndpoint(t *testing.T) {
	assert.NoError(t, ValidatePushEndpoint("https://updates.push.services.mozilla.com/wpush/v2/abc"))

	for _, bad := range []string{"", "http://push.example/x", "ftp://push.example/x", "https:///nohost", "::not a url"} {
		assert.Error(t, ValidatePushEndpoint(bad), bad)
	}
}
