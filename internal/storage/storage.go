// Package storage persists canonical messages and user subscription records
// in MongoDB through gomongo.
package storage

import (
	"context"
	"crypto/aes"
	cipherPkg "crypto/cipher"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/metrics"
)

var (
	// ErrInvalidMessage is returned when a message record is incomplete
	ErrInvalidMessage = errors.New("message record is incomplete")
	// ErrInvalidSubscription is returned when a subscription record is malformed
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrInvalidUser is returned for identities outside the participant set
	ErrInvalidUser = errors.New("invalid user")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// defaultRetryConfig provides default retry configuration
var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Store is the persistence gateway: an append-only message log plus the user
// records that embed push subscriptions.
type Store struct {
	mongo         *gomongo.Mongo
	messages      *gomongo.MongoCollection
	users         *gomongo.MongoCollection
	logger        *golog.Logger
	encryptionKey []byte
	gcm           cipherPkg.AEAD
	retry         retryConfig
	now           func() time.Time
}

// NewStore creates a store over dbName. encryptionKey is optional; when it is
// 32 bytes long, message text and subscription keys are sealed with AES-256-GCM.
func NewStore(mongo *gomongo.Mongo, dbName string, logger *golog.Logger, encryptionKey []byte) *Store {
	return newStore(mongo, dbName, constants.MessagesCollection, constants.UsersCollection, logger, encryptionKey)
}

func newStore(mongo *gomongo.Mongo, dbName, messagesColl, usersColl string, logger *golog.Logger, encryptionKey []byte) *Store {
	s := &Store{
		mongo:         mongo,
		messages:      mongo.Coll(dbName, messagesColl),
		users:         mongo.Coll(dbName, usersColl),
		logger:        logger.WithGroup("storage"),
		encryptionKey: encryptionKey,
		retry:         defaultRetryConfig,
		now:           time.Now,
	}

	if len(encryptionKey) > 0 {
		block, err := aes.NewCipher(encryptionKey)
		if err != nil {
			s.logger.Error("AES-GCM cipher initialization failed, encryption disabled", "error", err)
			return s
		}
		gcm, err := cipherPkg.NewGCM(block)
		if err != nil {
			s.logger.Error("AES-GCM initialization failed, encryption disabled", "error", err)
			return s
		}
		s.gcm = gcm
	}

	return s
}

// EnsureIndexes creates the conversation and subscription indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	conversation := mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldSender, Value: 1},
			{Key: constants.MongoFieldRecipient, Value: 1},
			{Key: constants.MongoFieldTimestamp, Value: -1},
		},
		Options: options.Index().SetName(constants.IndexConversation),
	}
	timestamp := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldTimestamp, Value: -1}},
		Options: options.Index().SetName(constants.IndexTimestamp),
	}

	if _, err := s.messages.CreateIndexes(ctx, []mongo.IndexModel{conversation, timestamp}); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	endpoint := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldEndpoint, Value: 1}},
		Options: options.Index().SetName(constants.IndexSubEndpoint),
	}
	if _, err := s.users.CreateIndexes(ctx, []mongo.IndexModel{endpoint}); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"indexes", []string{constants.IndexConversation, constants.IndexTimestamp, constants.IndexSubEndpoint},
	)
	return nil
}

// Ping checks connectivity to the messages collection.
func (s *Store) Ping(ctx context.Context) error {
	return s.messages.Ping(ctx)
}

func observe(operation string, start time.Time) {
	metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": operation}).Observe(time.Since(start).Seconds())
}

// isRetryableError checks if an error is retryable (transient)
// Returns true for network errors and transient MongoDB errors
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	errStr := err.Error()

	// Network errors
	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	// MongoDB specific transient errors
	return containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	})
}

// containsAny checks if a string contains any of the given substrings
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// retryOperation executes an operation with retry logic for transient errors
// Uses exponential backoff with configurable parameters
func (s *Store) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := s.retry.initialDelay

	for attempt := 1; attempt <= s.retry.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// No else needed: early return pattern (guard clause - non-retryable error)
		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		if attempt < s.retry.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", s.retry.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * s.retry.multiplier)
			if delay > s.retry.maxDelay {
				delay = s.retry.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", s.retry.maxAttempts, lastErr)
}
