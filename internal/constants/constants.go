// Package constants provides centralized constant definitions for the notifier.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusCreated            = 201
	StatusTooManyRequests    = 429
	StatusServiceUnavailable = 503
)

// Timeouts for various operations
const (
	DefaultContextTimeout   = 10 * time.Second // Standard database operations
	MongoIndexTimeout       = 30 * time.Second // MongoDB index creation
	HealthCheckTimeout      = 2 * time.Second  // Health check operations
	DefaultEnrichTimeout    = 8 * time.Second  // Ceiling for one enrichment call
	DefaultPushSendTimeout  = 10 * time.Second // One push endpoint
	DeliveryBatchTimeout    = 30 * time.Second // Whole fan-out for one message
	SubmitPersistTimeout    = 5 * time.Second  // Persisting one message
	HistoryQueryTimeout     = 5 * time.Second  // One history query
	DefaultShutdownDeadline = 10 * time.Second // Waiting for in-flight deliveries
)

// Sizes and Limits
const (
	DefaultMaxMessageSize     = 65536  // bytes per inbound WebSocket frame
	EncryptionKeyLength       = 32     // AES-256 requires exactly 32 bytes
	DefaultHistoryLimit       = 100    // Most recent messages returned by a history fetch
	MaxHistoryLimit           = 1000   // Upper bound accepted from configuration
	MaxPayloadLength          = 4000   // Characters in a phrase or custom text
	DefaultMessageRateLimit   = 60     // send frames per window per user
	DefaultPushRateLimit      = 60     // notifications per window per recipient
	DefaultMaxConnsPerUser    = 10     // live connections per participant
	MaxRetryAttempts          = 3      // Maximum retry attempts for transient errors
	PublicEndpointRate        = 60     // Requests per minute for public endpoints (healthz, readyz, metrics)
	DefaultPushTTL            = 86400  // seconds a push service keeps an undelivered notification
	SendQueueSize             = 256    // outbound frames buffered per connection
	MaxTrackedRateKeys        = 100000 // distinct keys in a rate limiter map
	DefaultEnrichMaxTokens    = 150
	DefaultEnrichTemperature  = 0.8
	MaxEnrichErrorBodySize    = 1024 // Max bytes read from a provider error response
	MaxPushErrorBodySize      = 512  // Max bytes read from a rejected push response
	EndpointLogLength         = 40   // push endpoints are shortened to this in logs
	MinSharedSecretLength     = 8
	MinJWTSecretLength        = 32 // Minimum length for JWT secret (256 bits)
	DefaultTokenTTL           = 720 * time.Hour
	DefaultHTTPBodyLimitBytes = 16384
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 60 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Default Configuration Values
const (
	DefaultDatabase         = "notifier"
	MessagesCollection      = "messages"
	UsersCollection         = "users"
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultLogDir           = "logs"
	DefaultPathPrefix       = "/notifier"
	DefaultEnrichProvider   = "gemini"
	DefaultGeminiModel      = "gemini-1.5-flash-latest"
	DefaultOpenAIModel      = "gpt-4o-mini"
	DefaultOpenAIEndpoint   = "https://api.openai.com/v1"
	DefaultVAPIDSubscriber  = "mailto:notifier@example.com"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	HeaderRequestID     = "X-Request-ID"
	BearerPrefix        = "Bearer "
)

// Query parameters
const (
	QueryParamUserID = "userId"
	QueryParamToken  = "token"
	QueryParamUser1  = "user1"
	QueryParamUser2  = "user2"
)

// Error Messages
const (
	ErrMsgRateLimitExceeded = "Too many requests. Please try again later."
	ErrMsgPushNotConfigured = "Push notifications are not configured on the server."
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID            = "_id"
	MongoFieldSender        = "sender"
	MongoFieldRecipient     = "recipient"
	MongoFieldTimestamp     = "ts"
	MongoFieldSubscriptions = "subs"
	MongoFieldEndpoint      = "subs.endpoint"
	MongoFieldCreatedAt     = "createdAt"
)

// MongoDB Index Names
const (
	IndexConversation = "idx_sender_recipient_ts"
	IndexTimestamp    = "idx_ts"
	IndexSubEndpoint  = "idx_subs_endpoint"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)
