package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func createTestLogger(t *testing.T) *golog.Logger {
	t.Helper()
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	require.NoError(t, err)
	return logger
}

// newUnitStore builds a Store without a database for exercising pure helpers.
func newUnitStore(t *testing.T, key []byte) *Store {
	return &Store{
		logger:        createTestLogger(t),
		encryptionKey: key,
		retry: retryConfig{
			maxAttempts:  3,
			initialDelay: time.Millisecond,
			maxDelay:     5 * time.Millisecond,
			multiplier:   2,
		},
		now: time.Now,
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("server selection timeout"), true},
		{errors.New("no reachable servers"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("E11000 duplicate key error"), false},
		{errors.New("document failed validation"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		assert.Equal(t, tt.want, isRetryableError(tt.err), name)
	}
}

func TestRetryOperation_SucceedsAfterTransientErrors(t *testing.T) {
	s := newUnitStore(t, nil)

	calls := 0
	err := s.retryOperation(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

var duplicateKeyErr = mongo.WriteException{
	WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key error"}},
}

// An insert whose acknowledgement was lost succeeds when the retry hits its
// own document.
func TestRetryOperation_InsertDuplicateAfterLostAck(t *testing.T) {
	s := newUnitStore(t, nil)

	calls := 0
	err := s.retryOperation(context.Background(), "InsertMessage", insertOnce(func() error {
		calls++
		if calls == 1 {
			return errors.New("connection reset by peer")
		}
		return duplicateKeyErr
	}))

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryOperation_InsertDuplicateOnFirstAttemptFails(t *testing.T) {
	s := newUnitStore(t, nil)

	calls := 0
	err := s.retryOperation(context.Background(), "InsertMessage", insertOnce(func() error {
		calls++
		return duplicateKeyErr
	}))

	require.Error(t, err)
	assert.True(t, mongo.IsDuplicateKeyError(err))
	assert.Equal(t, 1, calls)
}

func TestRetryOperation_GivesUp(t *testing.T) {
	s := newUnitStore(t, nil)

	calls := 0
	err := s.retryOperation(context.Background(), "test", func() error {
		calls++
		return errors.New("i/o timeout")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetryOperation_NonRetryableStopsImmediately(t *testing.T) {
	s := newUnitStore(t, nil)
	sentinel := errors.New("E11000 duplicate key error")

	calls := 0
	err := s.retryOperation(context.Background(), "test", func() error {
		calls++
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetryOperation_ContextCancelled(t *testing.T) {
	s := newUnitStore(t, nil)
	s.retry.initialDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.retryOperation(ctx, "test", func() error {
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s := newUnitStore(t, testKey)

	sealed, err := s.encrypt("Miss you")
	require.NoError(t, err)
	assert.NotEqual(t, "Miss you", sealed)

	opened, err := s.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "Miss you", opened)
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	s := newUnitStore(t, testKey)

	a, err := s.encrypt("same text")
	require.NoError(t, err)
	b, err := s.encrypt("same text")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh nonce per call")
}

func TestEncrypt_DisabledWithoutKey(t *testing.T) {
	s := newUnitStore(t, nil)

	sealed, err := s.encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)

	opened, err := s.decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", opened)
}

func TestEncrypt_EmptyStaysEmpty(t *testing.T) {
	s := newUnitStore(t, testKey)

	sealed, err := s.encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestDecrypt_Failures(t *testing.T) {
	s := newUnitStore(t, testKey)

	_, err := s.decrypt("not base64!!")
	assert.Error(t, err)

	_, err = s.decrypt("c2hvcnQ=")
	assert.ErrorContains(t, err, "too short")

	sealed, err := s.encrypt("secret note")
	require.NoError(t, err)
	other := newUnitStore(t, []byte(strings.Repeat("z", 32)))
	_, err = other.decrypt(sealed)
	assert.ErrorContains(t, err, "failed to decrypt")
}

func TestEncrypt_InvalidKeySize(t *testing.T) {
	s := newUnitStore(t, []byte("short"))
	_, err := s.encrypt("text")
	assert.ErrorContains(t, err, "invalid encryption key size")
}

func TestSubscriptionValidate(t *testing.T) {
	valid := Subscription{
		Endpoint: "https://fcm.googleapis.com/fcm/send/abc",
		Keys:     SubscriptionKeys{P256dh: "BNc", Auth: "tBH"},
	}
	assert.NoError(t, valid.Validate())

	noKeys := valid
	noKeys.Keys.Auth = ""
	assert.ErrorIs(t, noKeys.Validate(), ErrInvalidSubscription)

	plainHTTP := valid
	plainHTTP.Endpoint = "http://push.example/abc"
	assert.ErrorIs(t, plainHTTP.Validate(), ErrInvalidSubscription)
}

func TestSubscriptionExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute).UnixMilli()
	future := now.Add(time.Hour).UnixMilli()
	zero := int64(0)

	assert.False(t, Subscription{}.Expired(now))
	assert.False(t, Subscription{ExpirationTime: &zero}.Expired(now))
	assert.True(t, Subscription{ExpirationTime: &past}.Expired(now))
	assert.False(t, Subscription{ExpirationTime: &future}.Expired(now))
}

func TestSealOpenSubscription(t *testing.T) {
	s := newUnitStore(t, testKey)
	sub := Subscription{
		Endpoint: "https://push.example/abc",
		Keys:     SubscriptionKeys{P256dh: "p256", Auth: "auth"},
	}

	sealed, err := s.sealSubscription(sub)
	require.NoError(t, err)
	assert.Equal(t, sub.Endpoint, sealed.Endpoint, "endpoint stays queryable")
	assert.NotEqual(t, sub.Keys, sealed.Keys)
	assert.False(t, sealed.CreatedAt.IsZero())

	opened, err := s.openSubscription(sealed)
	require.NoError(t, err)
	assert.Equal(t, sub.Keys, opened.Keys)
}

func TestProperty_EncryptionRoundTrip(t *testing.T) {
	s := newUnitStore(t, testKey)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(x)) == x", prop.ForAll(
		func(text string) bool {
			sealed, err := s.encrypt(text)
			if err != nil {
				return false
			}
			opened, err := s.decrypt(sealed)
			return err == nil && opened == text
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
