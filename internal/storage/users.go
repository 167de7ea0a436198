package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/util"
)

// SubscriptionKeys holds the client's encryption material for web push.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" bson:"p256dh"`
	Auth   string `json:"auth" bson:"auth"`
}

// Subscription is one browser push endpoint. The JSON shape matches the
// object returned by PushSubscription.toJSON() in browsers.
type Subscription struct {
	Endpoint string           `json:"endpoint" bson:"endpoint"`
	Keys     SubscriptionKeys `json:"keys" bson:"keys"`
	// ExpirationTime is milliseconds since the epoch, or nil when the push
	// service did not announce one.
	ExpirationTime *int64    `json:"expirationTime,omitempty" bson:"exp,omitempty"`
	CreatedAt      time.Time `json:"-" bson:"createdAt"`
}

// Validate checks the endpoint and key material.
func (s Subscription) Validate() error {
	if err := util.ValidatePushEndpoint(s.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return fmt.Errorf("%w: keys.p256dh and keys.auth are required", ErrInvalidSubscription)
	}
	return nil
}

// Expired reports whether the push service's announced expiry has passed.
func (s Subscription) Expired(now time.Time) bool {
	if s.ExpirationTime == nil || *s.ExpirationTime <= 0 {
		return false
	}
	return !now.Before(time.UnixMilli(*s.ExpirationTime))
}

// UserDocument is the persisted layout of a participant. Users are keyed by
// their identity name and created lazily.
type UserDocument struct {
	ID            string         `bson:"_id"`
	Subscriptions []Subscription `bson:"subs"`
	CreatedAt     time.Time      `bson:"createdAt"`
}

// EnsureUser creates the user record if it does not exist yet and reports
// whether it was created by this call.
func (s *Store) EnsureUser(ctx context.Context, user identity.User) (bool, error) {
	if !user.Valid() {
		return false, ErrInvalidUser
	}

	start := time.Now()
	defer observe("ensure_user", start)

	filter := bson.M{constants.MongoFieldID: user.String()}
	update := bson.M{"$setOnInsert": bson.M{
		constants.MongoFieldSubscriptions: bson.A{},
		constants.MongoFieldCreatedAt:     s.now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	created := false
	err := s.retryOperation(ctx, "EnsureUser", func() error {
		var doc UserDocument
		opErr := s.users.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(opErr, mongo.ErrNoDocuments) {
			created = true
			return nil
		}
		return opErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to ensure user: %w", err)
	}

	if created {
		s.logger.Info("User record created", "user", user.String())
	}
	return created, nil
}

// AddSubscription stores sub for user unless the endpoint is already present.
// added is false for a duplicate.
func (s *Store) AddSubscription(ctx context.Context, user identity.User, sub Subscription) (bool, error) {
	if !user.Valid() {
		return false, ErrInvalidUser
	}
	if err := sub.Validate(); err != nil {
		return false, err
	}

	if _, err := s.EnsureUser(ctx, user); err != nil {
		return false, err
	}

	start := time.Now()
	defer observe("add_subscription", start)

	sealed, err := s.sealSubscription(sub)
	if err != nil {
		return false, err
	}

	filter := bson.M{
		constants.MongoFieldID:       user.String(),
		constants.MongoFieldEndpoint: bson.M{"$ne": sub.Endpoint},
	}
	update := bson.M{"$push": bson.M{constants.MongoFieldSubscriptions: sealed}}

	var result *mongo.UpdateResult
	err = s.retryOperation(ctx, "AddSubscription", func() error {
		var opErr error
		result, opErr = s.users.UpdateOne(ctx, filter, update)
		return opErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to add subscription: %w", err)
	}

	return result.MatchedCount > 0, nil
}

// RemoveSubscription deletes the subscription with endpoint from user and
// reports whether one was removed.
func (s *Store) RemoveSubscription(ctx context.Context, user identity.User, endpoint string) (bool, error) {
	if !user.Valid() {
		return false, ErrInvalidUser
	}
	if endpoint == "" {
		return false, fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}

	start := time.Now()
	defer observe("remove_subscription", start)

	filter := bson.M{
		constants.MongoFieldID:       user.String(),
		constants.MongoFieldEndpoint: endpoint,
	}
	update := bson.M{"$pull": bson.M{constants.MongoFieldSubscriptions: bson.M{"endpoint": endpoint}}}

	var result *mongo.UpdateResult
	err := s.retryOperation(ctx, "RemoveSubscription", func() error {
		var opErr error
		result, opErr = s.users.UpdateOne(ctx, filter, update)
		return opErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove subscription: %w", err)
	}

	return result.MatchedCount > 0, nil
}

// ListSubscriptions returns the subscriptions of user; a missing user has none.
func (s *Store) ListSubscriptions(ctx context.Context, user identity.User) ([]Subscription, error) {
	if !user.Valid() {
		return nil, ErrInvalidUser
	}

	start := time.Now()
	defer observe("list_subscriptions", start)

	var doc UserDocument
	err := s.retryOperation(ctx, "ListSubscriptions", func() error {
		return s.users.FindOne(ctx, bson.M{constants.MongoFieldID: user.String()}).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []Subscription{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(doc.Subscriptions))
	for _, sealed := range doc.Subscriptions {
		sub, err := s.openSubscription(sealed)
		if err != nil {
			s.logger.Warn("Skipping unreadable subscription",
				"user", user.String(),
				"endpoint", util.RedactEndpoint(sealed.Endpoint),
				"error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Store) sealSubscription(sub Subscription) (Subscription, error) {
	sealed := sub
	sealed.CreatedAt = s.now().UTC()

	var err error
	if sealed.Keys.P256dh, err = s.encrypt(sub.Keys.P256dh); err != nil {
		return Subscription{}, fmt.Errorf("failed to encrypt subscription keys: %w", err)
	}
	if sealed.Keys.Auth, err = s.encrypt(sub.Keys.Auth); err != nil {
		return Subscription{}, fmt.Errorf("failed to encrypt subscription keys: %w", err)
	}
	return sealed, nil
}

func (s *Store) openSubscription(sealed Subscription) (Subscription, error) {
	sub := sealed

	var err error
	if sub.Keys.P256dh, err = s.decrypt(sealed.Keys.P256dh); err != nil {
		return Subscription{}, err
	}
	if sub.Keys.Auth, err = s.decrypt(sealed.Keys.Auth); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}
