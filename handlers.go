package notifier

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/real-rm/notifier/internal/auth"
	"github.com/real-rm/notifier/internal/constants"
	apperrors "github.com/real-rm/notifier/internal/errors"
	"github.com/real-rm/notifier/internal/httperrors"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/notification"
	"github.com/real-rm/notifier/internal/storage"
	"github.com/real-rm/notifier/internal/util"
)

const claimsKey = "claims"

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type loginUser struct {
	UserID string `json:"userId"`
}

type loginResponse struct {
	Message string    `json:"message"`
	User    loginUser `json:"user"`
	Token   string    `json:"token,omitempty"`
}

type subscribeRequest struct {
	UserID       string                `json:"userId"`
	Subscription *storage.Subscription `json:"subscription"`
}

type unsubscribeRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// handleLogin checks the shared secret and lazily creates the user record.
func (s *service) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Password == "" {
		httperrors.RespondBadRequest(c, "User ID and password are required.")
		return
	}

	user, err := identity.ParseUser(req.UserID)
	if err != nil {
		httperrors.RespondBadRequest(c, "Invalid User ID. Must be Shivam or Arya.")
		return
	}

	if err := s.verifier.Verify(req.Password); err != nil {
		s.logger.Warn("Login rejected", "user", user.String(), "client_ip", c.ClientIP())
		httperrors.RespondAppError(c, apperrors.ErrInvalidCredentials())
		return
	}

	ctx, cancel := util.DetachedTimeoutContext(c.Request.Context(), constants.DefaultContextTimeout)
	defer cancel()
	created, err := s.store.EnsureUser(ctx, user)
	if err != nil {
		util.LogError(s.logger, "http", "ensure user", err, "user", user.String())
		httperrors.RespondInternalError(c)
		return
	}
	if created {
		s.logger.Info("Created user record", "user", user.String())
	}

	resp := loginResponse{
		Message: "Login successful.",
		User:    loginUser{UserID: user.String()},
	}
	if s.issuer != nil {
		token, err := s.issuer.Issue(user)
		if err != nil {
			util.LogError(s.logger, "http", "issue session token", err, "user", user.String())
			httperrors.RespondInternalError(c)
			return
		}
		resp.Token = token
	}

	s.logger.Info("Login successful", "user", user.String())
	c.JSON(constants.StatusOK, resp)
}

// handleHistory returns the most recent messages between user1 and user2,
// oldest first.
func (s *service) handleHistory(c *gin.Context) {
	user1 := c.Query(constants.QueryParamUser1)
	user2 := c.Query(constants.QueryParamUser2)
	if user1 == "" || user2 == "" {
		httperrors.RespondBadRequest(c, "Both user1 and user2 query parameters are required.")
		return
	}

	u1, err1 := identity.ParseUser(user1)
	u2, err2 := identity.ParseUser(user2)
	if err1 != nil || err2 != nil {
		httperrors.RespondBadRequest(c, "Invalid user IDs. Must be Shivam or Arya.")
		return
	}
	if !s.authorize(c, u1, u2) {
		return
	}

	messages, err := s.pipeline.History(c.Request.Context(), user1, user2)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			httperrors.RespondAppError(c, appErr)
			return
		}
		httperrors.RespondInternalError(c)
		return
	}
	c.JSON(constants.StatusOK, messages)
}

// handleSubscribe stores a browser push subscription. It answers 201 for a
// new endpoint and 200 when the endpoint was already registered.
func (s *service) handleSubscribe(c *gin.Context) {
	if !s.push.Enabled() {
		httperrors.RespondServiceUnavailable(c, constants.ErrMsgPushNotConfigured)
		return
	}

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Subscription == nil {
		httperrors.RespondBadRequest(c, "Push subscription object and userId are required.")
		return
	}
	user, err := identity.ParseUser(req.UserID)
	if err != nil {
		httperrors.RespondBadRequest(c, "Invalid userId.")
		return
	}
	if err := req.Subscription.Validate(); err != nil {
		httperrors.RespondBadRequest(c, "Invalid push subscription object structure.")
		return
	}
	if !s.authorize(c, user) {
		return
	}

	ctx, cancel := util.DetachedTimeoutContext(c.Request.Context(), constants.DefaultContextTimeout)
	defer cancel()
	sub := *req.Subscription
	sub.CreatedAt = time.Now().UTC()
	added, err := s.push.Subscribe(ctx, user, sub)
	switch {
	case errors.Is(err, notification.ErrNotConfigured):
		httperrors.RespondServiceUnavailable(c, constants.ErrMsgPushNotConfigured)
	case errors.Is(err, storage.ErrInvalidSubscription):
		httperrors.RespondBadRequest(c, "Invalid push subscription object structure.")
	case err != nil:
		util.LogError(s.logger, "http", "save push subscription", err, "user", user.String())
		httperrors.RespondInternalError(c)
	case added:
		c.JSON(constants.StatusCreated, messageResponse{Message: "Push subscription saved successfully."})
	default:
		c.JSON(constants.StatusOK, messageResponse{Message: "Subscription already exists."})
	}
}

// handleUnsubscribe removes one endpoint of a participant.
func (s *service) handleUnsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Endpoint == "" {
		httperrors.RespondBadRequest(c, "Subscription endpoint and userId are required for unsubscription.")
		return
	}
	user, err := identity.ParseUser(req.UserID)
	if err != nil {
		httperrors.RespondBadRequest(c, "Invalid userId.")
		return
	}
	if !s.authorize(c, user) {
		return
	}

	ctx, cancel := util.DetachedTimeoutContext(c.Request.Context(), constants.DefaultContextTimeout)
	defer cancel()
	removed, err := s.push.Unsubscribe(ctx, user, req.Endpoint)
	if err != nil {
		util.LogError(s.logger, "http", "remove push subscription", err, "user", user.String())
		httperrors.RespondInternalError(c)
		return
	}
	if !removed {
		httperrors.RespondNotFound(c, "Subscription not found.")
		return
	}
	c.JSON(constants.StatusOK, messageResponse{Message: "Push subscription removed successfully."})
}

func (s *service) handleVAPIDPublicKey(c *gin.Context) {
	if !s.push.Enabled() {
		httperrors.RespondServiceUnavailable(c, constants.ErrMsgPushNotConfigured)
		return
	}
	c.JSON(constants.StatusOK, gin.H{"publicKey": s.push.VAPIDPublicKey()})
}

// authorize checks that the session token, when one is required, belongs to
// one of users. It writes the 403 itself.
func (s *service) authorize(c *gin.Context, users ...identity.User) bool {
	raw, exists := c.Get(claimsKey)
	if !exists {
		return true
	}
	claims, ok := raw.(*auth.Claims)
	if !ok {
		util.LogError(s.logger, "http", "validate claims type", errors.New("invalid claims type in context"))
		httperrors.RespondInternalError(c)
		return false
	}
	for _, u := range users {
		if claims.User == u {
			return true
		}
	}
	s.logger.Warn("Token does not cover the requested participant",
		"token_user", claims.User.String(),
		"path", c.FullPath())
	httperrors.RespondForbidden(c)
	return false
}

// handleHealthCheck is the liveness probe: responding at all means alive.
func handleHealthCheck(c *gin.Context) {
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck is the readiness probe. Only the database is critical;
// enrichment and push report their mode.
func (s *service) handleReadyCheck(c *gin.Context) {
	checks := make(map[string]interface{})
	allReady := true

	ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("MongoDB health check failed", "error", err, "component", "health")
		checks["mongodb"] = map[string]interface{}{
			"status": "not ready",
			"reason": "Database connectivity check failed",
		}
		allReady = false
	} else {
		checks["mongodb"] = map[string]interface{}{"status": "ready"}
	}

	enrichment := "fallback"
	if s.cfg.Enrichment.Enabled() {
		enrichment = s.cfg.Enrichment.Provider
	}
	checks["enrichment"] = map[string]interface{}{"status": "ready", "mode": enrichment}
	checks["push"] = map[string]interface{}{"status": "ready", "enabled": s.push.Enabled()}
	checks["websocket"] = map[string]interface{}{"status": "ready", "connections": s.registry.Total()}
	checks["rate_limit"] = map[string]interface{}{"status": "ready", "tracked_clients": s.publicLimiter.TrackedKeys()}

	status := "ready"
	statusCode := constants.StatusOK
	// No else needed: optional operation (status code adjustment based on health)
	if !allReady {
		status = "not ready"
		statusCode = constants.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}
