// Package notifier provides the service registration for the two-party
// notifier. Register sets up the WebSocket session endpoint and the HTTP API
// on a gin engine; Shutdown drains them.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"

	"github.com/real-rm/notifier/internal/auth"
	"github.com/real-rm/notifier/internal/config"
	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/httperrors"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/llm"
	"github.com/real-rm/notifier/internal/metrics"
	"github.com/real-rm/notifier/internal/notification"
	"github.com/real-rm/notifier/internal/pipeline"
	"github.com/real-rm/notifier/internal/ratelimit"
	"github.com/real-rm/notifier/internal/registry"
	"github.com/real-rm/notifier/internal/storage"
	"github.com/real-rm/notifier/internal/util"
	"github.com/real-rm/notifier/internal/websocket"
)

// Store is everything the service needs from the persistence layer.
// *storage.Store implements it.
type Store interface {
	pipeline.MessageStore
	notification.SubscriptionStore
	EnsureUser(ctx context.Context, user identity.User) (bool, error)
	Ping(ctx context.Context) error
}

// service holds the components wired by one Register call.
type service struct {
	cfg           *config.Config
	logger        *golog.Logger
	store         Store
	enricher      *llm.Service
	push          *notification.Service
	registry      *registry.Registry
	pipeline      *pipeline.Pipeline
	wsHandler     *websocket.Handler
	verifier      *auth.SecretVerifier
	validator     *auth.JWTValidator
	issuer        *auth.JWTIssuer
	publicLimiter *ratelimit.MessageLimiter
}

var (
	// Global reference for graceful shutdown
	globalService *service
	shutdownMu    sync.Mutex
)

// Register registers the notifier with the router.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - accessor: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for message and subscription persistence
func Register(r *gin.Engine, accessor *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	notifierLogger := logger.WithGroup("notifier")
	notifierLogger.Info("Initializing notifier service")

	cfg, err := config.Load(accessor)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		notifierLogger.Error("Configuration validation failed", "error", err)
		return err
	}
	if mongo == nil {
		return errors.New("mongo client is required")
	}

	store := storage.NewStore(mongo, cfg.Database.Name, notifierLogger, cfg.Database.EncryptionKey)
	if len(cfg.Database.EncryptionKey) == 0 {
		notifierLogger.Warn("No encryption key configured, messages will be stored unencrypted")
	}

	indexCtx, indexCancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
	defer indexCancel()
	if err := store.EnsureIndexes(indexCtx); err != nil {
		// Not fatal: indexes can be created manually.
		notifierLogger.Warn("Failed to create MongoDB indexes", "error", err)
	}

	return register(r, cfg, notifierLogger, store)
}

// register wires every component on top of store and mounts the routes.
func register(r *gin.Engine, cfg *config.Config, logger *golog.Logger, store Store) error {
	enricher, err := llm.NewService(context.Background(), cfg.Enrichment, logger)
	if err != nil {
		return fmt.Errorf("failed to create enrichment service: %w", err)
	}

	svc := &service{
		cfg:           cfg,
		logger:        logger,
		store:         store,
		enricher:      enricher,
		push:          notification.NewService(cfg.Push, store, logger),
		registry:      registry.New(logger),
		verifier:      auth.NewSecretVerifier(cfg.Auth.SharedSecret, cfg.Auth.SharedSecretHash),
		publicLimiter: ratelimit.NewMessageLimiter(time.Minute, constants.PublicEndpointRate).WithLogger(logger),
	}
	if !svc.push.Enabled() {
		logger.Warn("VAPID keys not configured, push notifications are disabled")
	}

	svc.pipeline = pipeline.New(store, enricher, svc.push, svc.registry, pipeline.Options{
		HistoryLimit:    cfg.Server.HistoryLimit,
		RateLimit:       cfg.Server.MessageRateLimit,
		RateWindow:      cfg.Server.MessageRateWindow,
		SkipWhenOnline:  cfg.Push.SkipWhenOnline,
		DeliveryTimeout: constants.DeliveryBatchTimeout,
	}, logger)

	svc.wsHandler = websocket.NewHandler(svc.registry, svc.pipeline, logger,
		cfg.Server.MaxMessageSize, cfg.Server.MaxConnectionsPerUser)

	if cfg.Auth.JWTSecret != "" {
		svc.validator = auth.NewJWTValidator(cfg.Auth.JWTSecret)
		svc.issuer = auth.NewJWTIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if cfg.Auth.RequireToken {
			svc.wsHandler.RequireToken(svc.validator)
		}
	}

	// SECURITY: with no origins configured every origin is accepted.
	if len(cfg.Server.AllowedOrigins) > 0 {
		svc.wsHandler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	} else {
		logger.Warn("No allowed origins configured, allowing all origins (development mode)")
	}

	// Background goroutines start only after everything above succeeded.
	svc.push.Start()
	svc.publicLimiter.StartCleanup()

	// Stop a previously registered instance so repeated Register calls
	// (tests, hot-reload) don't leak goroutines.
	shutdownMu.Lock()
	previous := globalService
	globalService = svc
	shutdownMu.Unlock()
	if previous != nil {
		ctx, cancel := util.NewTimeoutContext(constants.DefaultShutdownDeadline)
		_ = previous.shutdown(ctx)
		cancel()
	}

	svc.mount(r)

	logger.Info("Notifier service registered successfully",
		"websocket_endpoint", cfg.Server.PathPrefix+"/ws",
		"api_endpoints", cfg.Server.PathPrefix+"/api/*",
		"health_endpoints", cfg.Server.PathPrefix+"/healthz, "+cfg.Server.PathPrefix+"/readyz",
		"metrics_endpoint", cfg.Server.PathPrefix+"/metrics/prometheus",
		"push_enabled", svc.push.Enabled(),
		"token_required", cfg.Auth.RequireToken,
	)
	return nil
}

// mount installs the middleware and routes.
func (s *service) mount(r *gin.Engine) {
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.Server.CORSAllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", constants.HeaderRequestID},
			ExposeHeaders:    []string{"Content-Length", constants.HeaderRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
		s.logger.Info("CORS middleware configured", "allowed_origins", s.cfg.Server.CORSAllowedOrigins)
	} else {
		s.logger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// c.ClientIP() only trusts X-Forwarded-For from these networks.
	if len(s.cfg.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
			s.logger.Warn("Failed to set trusted proxies", "error", err)
		}
	}

	r.Use(requestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	public := publicRateLimitMiddleware(s.publicLimiter, s.logger)
	group := r.Group(s.cfg.Server.PathPrefix)
	{
		group.GET("/ws", s.handleWebSocket)

		api := group.Group("/api")
		api.POST("/auth/login", public, s.handleLogin)

		protected := api.Group("")
		if s.cfg.Auth.RequireToken {
			protected.Use(tokenMiddleware(s.validator, s.logger))
		}
		protected.GET("/messages/history", s.handleHistory)
		protected.POST("/push/subscribe", s.handleSubscribe)
		protected.POST("/push/unsubscribe", s.handleUnsubscribe)
		api.GET("/push/vapid-public-key", s.handleVAPIDPublicKey)

		group.GET("/healthz", public, handleHealthCheck)
		group.GET("/readyz", public, s.handleReadyCheck)

		group.GET("/metrics/prometheus",
			metricsNetworkMiddleware(parseNetworks(s.cfg.Server.MetricsAllowedNetworks, s.logger), s.logger),
			public,
			gin.WrapH(promhttp.Handler()),
		)
	}
}

// handleWebSocket moves a query token into the Authorization header so it
// does not end up in access logs, then hands over to the session handler.
func (s *service) handleWebSocket(c *gin.Context) {
	if token := c.Query(constants.QueryParamToken); token != "" {
		if c.Request.Header.Get(constants.HeaderAuthorization) == "" {
			c.Request.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
		}
		q := c.Request.URL.Query()
		q.Del(constants.QueryParamToken)
		c.Request.URL.RawQuery = q.Encode()
	}
	s.wsHandler.HandleWebSocket(c.Writer, c.Request)
}

// shutdown stops the components in dependency order: sessions first, then
// in-flight deliveries, then the providers.
func (s *service) shutdown(ctx context.Context) error {
	s.publicLimiter.StopCleanup()

	var errs []error
	if err := s.wsHandler.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}
	if err := s.pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
	}
	s.push.Close()
	if err := s.enricher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("enrichment shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown gracefully shuts down the notifier service.
// It closes all active WebSocket connections and waits for queued push
// deliveries. It respects the context deadline.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	svc := globalService
	globalService = nil
	shutdownMu.Unlock()

	// No else needed: early return pattern (guard clause)
	if svc == nil {
		return nil
	}

	svc.logger.Info("Starting graceful shutdown of notifier service")
	if err := svc.shutdown(ctx); err != nil {
		svc.logger.Warn("Notifier shutdown error", "error", err)
		return err
	}
	svc.logger.Info("Notifier service shutdown complete")
	return nil
}

// requestIDMiddleware propagates or assigns a request id and attaches it to
// the request context as the trace id.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(constants.HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(constants.HeaderRequestID, id)
		c.Request = c.Request.WithContext(util.ContextWithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": c.FullPath(),
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// publicRateLimitMiddleware rate limits unauthenticated endpoints by client IP.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP respects trusted proxies.
		clientIP := c.ClientIP()

		if !limiter.Allow(clientIP) {
			logger.Warn("Public rate limit exceeded",
				"client_ip", clientIP,
				"endpoint", c.FullPath())
			httperrors.RespondTooManyRequests(c, limiter.GetRetryAfter(clientIP))
			c.Abort()
			return
		}
		c.Next()
	}
}

// tokenMiddleware requires a valid session token and stores its claims.
func tokenMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondUnauthorized(c, "")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			logger.Warn("Token validation failed", "error", err, "component", "auth")
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// parseNetworks parses configured networks, skipping invalid entries.
func parseNetworks(networks []string, logger *golog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, n := range networks {
		ipNet, err := config.ParseNetwork(strings.TrimSpace(n))
		if err != nil {
			logger.Warn("Invalid network in metrics_allowed_networks", "network", n, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// No networks configured: allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}

