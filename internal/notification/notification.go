// Package notification delivers system notifications to a participant's
// registered browser push endpoints over the Web Push protocol.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/real-rm/golog"

	"github.com/real-rm/notifier/internal/config"
	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/message"
	"github.com/real-rm/notifier/internal/metrics"
	"github.com/real-rm/notifier/internal/ratelimit"
	"github.com/real-rm/notifier/internal/storage"
	"github.com/real-rm/notifier/internal/util"
)

// ErrNotConfigured is returned when no VAPID key pair is configured
var ErrNotConfigured = errors.New("push notifications are not configured")

// SubscriptionStore persists push subscriptions per participant.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, user identity.User, sub storage.Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, user identity.User, endpoint string) (bool, error)
	ListSubscriptions(ctx context.Context, user identity.User) ([]storage.Subscription, error)
}

// Report summarises one SendToUser call.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
	Pruned    int
	// Skipped is set when nothing was sent: push disabled or rate limited.
	Skipped bool
}

// Service is the delivery gateway.
type Service struct {
	cfg         config.PushConfig
	store       SubscriptionStore
	logger      *golog.Logger
	client      webpush.HTTPClient
	rateLimiter *ratelimit.MessageLimiter
	now         func() time.Time
}

// NewService creates a push service. A config without a VAPID key pair
// yields a service whose sends are skipped.
func NewService(cfg config.PushConfig, store SubscriptionStore, logger *golog.Logger) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = constants.DefaultPushSendTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = constants.DefaultPushTTL
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = constants.DefaultRateWindow
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = constants.DefaultPushRateLimit
	}

	pushLogger := logger.WithGroup("push")
	return &Service{
		cfg:         cfg,
		store:       store,
		logger:      pushLogger,
		client:      &http.Client{Timeout: cfg.SendTimeout},
		rateLimiter: ratelimit.NewMessageLimiter(cfg.RateWindow, cfg.RateLimit).WithLogger(pushLogger),
		now:         time.Now,
	}
}

// WithHTTPClient replaces the client used to reach push services.
func (s *Service) WithHTTPClient(client webpush.HTTPClient) *Service {
	s.client = client
	return s
}

// Start begins background cleanup of the rate limiter.
func (s *Service) Start() {
	s.rateLimiter.StartCleanup()
}

// Close stops background work.
func (s *Service) Close() {
	s.rateLimiter.StopCleanup()
}

// Enabled reports whether a VAPID key pair is configured.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled()
}

// VAPIDPublicKey is the application server key browsers subscribe with.
func (s *Service) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Subscribe registers sub for user. added is false when the endpoint was
// already registered.
func (s *Service) Subscribe(ctx context.Context, user identity.User, sub storage.Subscription) (bool, error) {
	if !s.Enabled() {
		return false, ErrNotConfigured
	}
	added, err := s.store.AddSubscription(ctx, user, sub)
	if err != nil {
		return false, err
	}
	if added {
		s.logger.Info("Push subscription added",
			"user", user.String(),
			"endpoint", util.RedactEndpoint(sub.Endpoint))
	}
	return added, nil
}

// Unsubscribe removes the endpoint from user and reports whether it existed.
func (s *Service) Unsubscribe(ctx context.Context, user identity.User, endpoint string) (bool, error) {
	removed, err := s.store.RemoveSubscription(ctx, user, endpoint)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("Push subscription removed",
			"user", user.String(),
			"endpoint", util.RedactEndpoint(endpoint))
	}
	return removed, nil
}

// SendToUser pushes payload to every subscription of user. Each endpoint is
// attempted independently; one failing endpoint never stops the others.
// Endpoints that are expired or answered 404/410 are removed.
func (s *Service) SendToUser(ctx context.Context, user identity.User, payload *message.PushPayload) (Report, error) {
	if !s.Enabled() {
		return Report{Skipped: true}, nil
	}
	if !s.rateLimiter.Allow(user.String()) {
		s.logger.Warn("Push notification rate limited", "user", user.String())
		return Report{Skipped: true}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Report{}, fmt.Errorf("failed to marshal push payload: %w", err)
	}

	subs, err := s.store.ListSubscriptions(ctx, user)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		s.logger.Debug("No push subscriptions", "user", user.String())
		return Report{}, nil
	}

	var (
		report Report
		mu     sync.Mutex
		wg     sync.WaitGroup
	)
	now := s.now()

	for _, sub := range subs {
		if sub.Expired(now) {
			metrics.PushAttempts.WithLabelValues(metrics.PushExpired).Inc()
			if s.prune(ctx, user, sub.Endpoint, "expired") {
				report.Pruned++
			}
			continue
		}

		report.Attempted++
		wg.Add(1)
		sub := sub
		util.SafeGo(s.logger, "push", func() {
			defer wg.Done()
			outcome := s.sendOne(ctx, body, sub)
			metrics.PushAttempts.WithLabelValues(outcome).Inc()

			pruned := false
			if outcome == metrics.PushGone {
				pruned = s.prune(ctx, user, sub.Endpoint, "gone")
			}

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case metrics.PushDelivered:
				report.Delivered++
			case metrics.PushGone:
				if pruned {
					report.Pruned++
				}
			default:
				report.Failed++
			}
		})
	}
	wg.Wait()

	if report.Attempted > 0 && report.Delivered == 0 {
		s.logger.Warn("Push notification reached no endpoint",
			"user", user.String(),
			"attempted", report.Attempted,
			"failed", report.Failed,
			"pruned", report.Pruned)
		return report, nil
	}

	s.logger.Info("Push notification sent",
		"user", user.String(),
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"pruned", report.Pruned)
	return report, nil
}

// sendOne delivers body to a single endpoint and returns the outcome label.
func (s *Service) sendOne(ctx context.Context, body []byte, sub storage.Subscription) string {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(sendCtx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             s.cfg.TTL,
	})
	if err != nil {
		s.logger.Warn("Push send failed",
			"endpoint", util.RedactEndpoint(sub.Endpoint),
			"error", err)
		return metrics.PushFailed
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return metrics.PushGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return metrics.PushDelivered
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxPushErrorBodySize))
	s.logger.Warn("Push service rejected notification",
		"endpoint", util.RedactEndpoint(sub.Endpoint),
		"status", resp.StatusCode,
		"body", string(detail))
	return metrics.PushFailed
}

// prune removes a dead endpoint. The removal outlives the caller's context.
func (s *Service) prune(ctx context.Context, user identity.User, endpoint, reason string) bool {
	pruneCtx, cancel := util.DetachedTimeoutContext(ctx, constants.DefaultContextTimeout)
	defer cancel()

	removed, err := s.store.RemoveSubscription(pruneCtx, user, endpoint)
	if err != nil {
		util.LogError(s.logger, "push", "prune subscription", err,
			"user", user.String(),
			"endpoint", util.RedactEndpoint(endpoint))
		return false
	}
	if removed {
		metrics.SubscriptionsPruned.Inc()
		s.logger.Info("Pruned push subscription",
			"user", user.String(),
			"endpoint", util.RedactEndpoint(endpoint),
			"reason", reason)
	}
	return removed
}
