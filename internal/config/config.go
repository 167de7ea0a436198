// Package config loads the typed notifier configuration from a goconfig
// accessor, with environment variables taking priority over the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/util"
)

// Enrichment provider names accepted by enrichment.provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Source is the subset of *goconfig.ConfigAccessor the loader reads from.
type Source interface {
	ConfigStringWithDefault(key string, defaultValue string) (string, error)
	ConfigIntWithDefault(key string, defaultValue int) (int, error)
	ConfigBoolWithDefault(key string, defaultValue bool) (bool, error)
}

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Database   DatabaseConfig
	Enrichment EnrichmentConfig
	Push       PushConfig
}

// ServerConfig holds HTTP and websocket settings
type ServerConfig struct {
	PathPrefix             string
	MaxMessageSize         int64
	MaxConnectionsPerUser  int
	MessageRateLimit       int
	MessageRateWindow      time.Duration
	HistoryLimit           int
	AllowedOrigins         []string
	CORSAllowedOrigins     []string
	TrustedProxies         []string
	MetricsAllowedNetworks []string
}

// AuthConfig holds the shared-secret login and optional session token settings
type AuthConfig struct {
	SharedSecret     string
	SharedSecretHash string // bcrypt hash, preferred over SharedSecret when set
	JWTSecret        string
	RequireToken     bool
	TokenTTL         time.Duration
}

// DatabaseConfig holds the Mongo database name and at-rest encryption key
type DatabaseConfig struct {
	Name          string
	EncryptionKey []byte
}

// EnrichmentConfig holds the generative provider settings
type EnrichmentConfig struct {
	Provider    string
	APIKey      string
	Model       string
	Endpoint    string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// PushConfig holds the web push settings
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	SendTimeout     time.Duration
	RateLimit       int
	RateWindow      time.Duration
	SkipWhenOnline  bool
}

// Enabled reports whether a VAPID key pair is configured.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

// Enabled reports whether enrichment can call a provider at all.
func (e EnrichmentConfig) Enabled() bool {
	return e.APIKey != ""
}

// loader reads keys with env > file > default priority and collects parse errors.
type loader struct {
	src  Source
	errs []error
}

func (l *loader) str(key, def string, envs ...string) string {
	if v := lookupEnv(envs...); v != "" {
		return v
	}
	v, err := l.src.ConfigStringWithDefault(key, def)
	if err != nil {
		return def
	}
	return v
}

func (l *loader) integer(key string, def int, envs ...string) int {
	if v := lookupEnv(envs...); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return def
		}
		return n
	}
	n, err := l.src.ConfigIntWithDefault(key, def)
	if err != nil {
		return def
	}
	return n
}

func (l *loader) boolean(key string, def bool, envs ...string) bool {
	if v := lookupEnv(envs...); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return def
		}
		return b
	}
	b, err := l.src.ConfigBoolWithDefault(key, def)
	if err != nil {
		return def
	}
	return b
}

func (l *loader) duration(key string, def time.Duration, envs ...string) time.Duration {
	raw := l.str(key, def.String(), envs...)
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return d
}

func (l *loader) float(key string, def float64, envs ...string) float64 {
	raw := l.str(key, strconv.FormatFloat(def, 'f', -1, 64), envs...)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid number %q", key, raw))
		return def
	}
	return f
}

func (l *loader) list(key, def string, envs ...string) []string {
	return SplitList(l.str(key, def, envs...))
}

// Load reads the full configuration. It fails only on values that cannot be
// parsed; semantic checks live in Validate.
func Load(src Source) (*Config, error) {
	l := &loader{src: src}

	cfg := &Config{
		Server: ServerConfig{
			PathPrefix:             l.str("notifier.path_prefix", constants.DefaultPathPrefix, "NOTIFIER_PATH_PREFIX"),
			MaxMessageSize:         int64(l.integer("notifier.max_message_size", constants.DefaultMaxMessageSize, "MAX_MESSAGE_SIZE")),
			MaxConnectionsPerUser:  l.integer("notifier.max_connections_per_user", constants.DefaultMaxConnsPerUser),
			MessageRateLimit:       l.integer("notifier.message_rate_limit", constants.DefaultMessageRateLimit),
			MessageRateWindow:      l.duration("notifier.message_rate_window", constants.DefaultRateWindow),
			HistoryLimit:           l.integer("notifier.history_limit", constants.DefaultHistoryLimit),
			AllowedOrigins:         l.list("notifier.allowed_origins", ""),
			CORSAllowedOrigins:     l.list("notifier.cors_allowed_origins", ""),
			TrustedProxies:         l.list("notifier.trusted_proxies", constants.DefaultTrustedProxies),
			MetricsAllowedNetworks: l.list("notifier.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks),
		},
		Auth: AuthConfig{
			SharedSecret:     l.str("notifier.shared_secret", "", "NOTIFIER_SHARED_SECRET"),
			SharedSecretHash: l.str("notifier.shared_secret_hash", "", "NOTIFIER_SHARED_SECRET_HASH"),
			JWTSecret:        l.str("notifier.jwt_secret", "", "JWT_SECRET"),
			RequireToken:     l.boolean("notifier.require_token", false, "NOTIFIER_REQUIRE_TOKEN"),
			TokenTTL:         l.duration("notifier.token_ttl", constants.DefaultTokenTTL),
		},
		Database: DatabaseConfig{
			Name:          l.str("notifier.database", constants.DefaultDatabase, "MONGO_DATABASE"),
			EncryptionKey: []byte(l.str("notifier.encryption_key", "", "ENCRYPTION_KEY")),
		},
		Push: PushConfig{
			VAPIDPublicKey:  l.str("push.vapid_public_key", "", "VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: l.str("push.vapid_private_key", "", "VAPID_PRIVATE_KEY"),
			Subscriber:      l.str("push.subscriber", constants.DefaultVAPIDSubscriber, "VAPID_MAILTO"),
			TTL:             l.integer("push.ttl", constants.DefaultPushTTL),
			SendTimeout:     l.duration("push.send_timeout", constants.DefaultPushSendTimeout),
			RateLimit:       l.integer("push.rate_limit", constants.DefaultPushRateLimit),
			RateWindow:      l.duration("push.rate_window", constants.DefaultRateWindow),
			SkipWhenOnline:  l.boolean("push.skip_when_online", false),
		},
	}

	provider := strings.ToLower(l.str("enrichment.provider", constants.DefaultEnrichProvider, "ENRICHMENT_PROVIDER"))
	cfg.Enrichment = EnrichmentConfig{
		Provider:    provider,
		Model:       l.str("enrichment.model", defaultModel(provider)),
		Endpoint:    l.str("enrichment.endpoint", ""),
		Timeout:     l.duration("enrichment.timeout", constants.DefaultEnrichTimeout),
		Temperature: float32(l.float("enrichment.temperature", constants.DefaultEnrichTemperature)),
		MaxTokens:   l.integer("enrichment.max_tokens", constants.DefaultEnrichMaxTokens),
	}
	switch provider {
	case ProviderOpenAI:
		cfg.Enrichment.APIKey = l.str("enrichment.api_key", "", "OPENAI_API_KEY", "ENRICHMENT_API_KEY")
		if cfg.Enrichment.Endpoint == "" {
			cfg.Enrichment.Endpoint = constants.DefaultOpenAIEndpoint
		}
	default:
		cfg.Enrichment.APIKey = l.str("enrichment.api_key", "", "GEMINI_API_KEY", "ENRICHMENT_API_KEY")
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("configuration load failed: %w", errors.Join(l.errs...))
	}
	return cfg, nil
}

func defaultModel(provider string) string {
	if provider == ProviderOpenAI {
		return constants.DefaultOpenAIModel
	}
	return constants.DefaultGeminiModel
}

// Validate validates the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateDatabase()...)
	errs = append(errs, c.validateEnrichment()...)
	errs = append(errs, c.validatePush()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateServer() []error {
	var errs []error
	s := c.Server

	if s.PathPrefix == "" {
		errs = append(errs, errors.New("path prefix cannot be empty"))
	} else if !strings.HasPrefix(s.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}
	if s.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if err := util.ValidatePositive(s.MaxConnectionsPerUser, "max connections per user"); err != nil {
		errs = append(errs, err)
	}
	if err := util.ValidatePositive(s.MessageRateLimit, "message rate limit"); err != nil {
		errs = append(errs, err)
	}
	if s.MessageRateWindow <= 0 {
		errs = append(errs, errors.New("message rate window must be positive"))
	}
	if err := util.ValidateRange(s.HistoryLimit, 1, constants.MaxHistoryLimit, "history limit"); err != nil {
		errs = append(errs, err)
	}
	for _, n := range append(append([]string{}, s.TrustedProxies...), s.MetricsAllowedNetworks...) {
		if _, err := ParseNetwork(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
	a := c.Auth

	switch {
	case a.SharedSecretHash != "":
		if _, err := bcrypt.Cost([]byte(a.SharedSecretHash)); err != nil {
			errs = append(errs, fmt.Errorf("shared secret hash is not a bcrypt hash: %w", err))
		}
	case a.SharedSecret != "":
		if err := util.ValidateMinLength(a.SharedSecret, constants.MinSharedSecretLength, "shared secret"); err != nil {
			errs = append(errs, err)
		}
		if util.ContainsPlaceholder(a.SharedSecret) {
			errs = append(errs, errors.New("shared secret contains a placeholder value"))
		}
	default:
		errs = append(errs, errors.New("shared secret or shared secret hash is required"))
	}

	if a.JWTSecret != "" {
		if len(a.JWTSecret) < constants.MinJWTSecretLength {
			errs = append(errs, fmt.Errorf(
				"JWT secret must be at least %d characters (got %d). "+
					"Generate a strong secret with: openssl rand -base64 32",
				constants.MinJWTSecretLength, len(a.JWTSecret)))
		}
		if weak, pattern := util.ContainsWeakPattern(a.JWTSecret, constants.WeakSecrets); weak {
			errs = append(errs, fmt.Errorf("JWT secret appears to be weak (contains '%s')", pattern))
		}
		if util.ContainsPlaceholder(a.JWTSecret) {
			errs = append(errs, errors.New("JWT secret contains a placeholder value"))
		}
	} else if a.RequireToken {
		errs = append(errs, errors.New("require_token needs a JWT secret"))
	}
	if a.TokenTTL <= 0 {
		errs = append(errs, errors.New("token TTL must be positive"))
	}
	return errs
}

func (c *Config) validateDatabase() []error {
	var errs []error
	if err := util.ValidateNotEmpty(c.Database.Name, "database name"); err != nil {
		errs = append(errs, err)
	}
	if err := util.ValidateExactLength(c.Database.EncryptionKey, constants.EncryptionKeyLength, "encryption key"); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c *Config) validateEnrichment() []error {
	var errs []error
	e := c.Enrichment

	if e.Provider != ProviderGemini && e.Provider != ProviderOpenAI {
		errs = append(errs, fmt.Errorf("enrichment provider must be %s or %s, got %q", ProviderGemini, ProviderOpenAI, e.Provider))
	}
	if e.Model == "" {
		errs = append(errs, errors.New("enrichment model is required"))
	}
	if e.Timeout <= 0 {
		errs = append(errs, errors.New("enrichment timeout must be positive"))
	}
	if e.Temperature < 0 || e.Temperature > 2 {
		errs = append(errs, fmt.Errorf("enrichment temperature must be between 0 and 2, got %v", e.Temperature))
	}
	if err := util.ValidatePositive(e.MaxTokens, "enrichment max tokens"); err != nil {
		errs = append(errs, err)
	}
	if e.APIKey != "" && util.ContainsPlaceholder(e.APIKey) {
		errs = append(errs, errors.New("enrichment API key contains a placeholder value"))
	}
	return errs
}

func (c *Config) validatePush() []error {
	var errs []error
	p := c.Push

	if (p.VAPIDPublicKey == "") != (p.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID public and private keys must be set together"))
	}
	if util.ContainsPlaceholder(p.VAPIDPublicKey) || util.ContainsPlaceholder(p.VAPIDPrivateKey) {
		errs = append(errs, errors.New("VAPID keys contain a placeholder value"))
	}
	if p.Enabled() && !strings.HasPrefix(p.Subscriber, "mailto:") && !strings.HasPrefix(p.Subscriber, "https://") {
		errs = append(errs, fmt.Errorf("push subscriber must be a mailto: or https:// URI, got %q", p.Subscriber))
	}
	if p.TTL < 0 {
		errs = append(errs, errors.New("push TTL cannot be negative"))
	}
	if p.SendTimeout <= 0 {
		errs = append(errs, errors.New("push send timeout must be positive"))
	}
	if err := util.ValidatePositive(p.RateLimit, "push rate limit"); err != nil {
		errs = append(errs, err)
	}
	if p.RateWindow <= 0 {
		errs = append(errs, errors.New("push rate window must be positive"))
	}
	return errs
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseNetwork accepts a CIDR or a bare IP (treated as a single host network).
func ParseNetwork(s string) (*net.IPNet, error) {
	if _, network, err := net.ParseCIDR(s); err == nil {
		return network, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid network %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func lookupEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
