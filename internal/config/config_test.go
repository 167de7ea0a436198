package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/real-rm/goconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// mapSource is an in-memory Source for tests.
type mapSource map[string]interface{}

func (m mapSource) ConfigStringWithDefault(key string, def string) (string, error) {
	if v, ok := m[key].(string); ok {
		return v, nil
	}
	return def, nil
}

func (m mapSource) ConfigIntWithDefault(key string, def int) (int, error) {
	if v, ok := m[key].(int); ok {
		return v, nil
	}
	return def, nil
}

func (m mapSource) ConfigBoolWithDefault(key string, def bool) (bool, error) {
	if v, ok := m[key].(bool); ok {
		return v, nil
	}
	return def, nil
}

func validSource() mapSource {
	return mapSource{
		"notifier.shared_secret": "k8Zq!vTr-ocean-17",
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(mapSource{})
	require.NoError(t, err)

	assert.Equal(t, "/notifier", cfg.Server.PathPrefix)
	assert.Equal(t, int64(65536), cfg.Server.MaxMessageSize)
	assert.Equal(t, 10, cfg.Server.MaxConnectionsPerUser)
	assert.Equal(t, 60, cfg.Server.MessageRateLimit)
	assert.Equal(t, time.Minute, cfg.Server.MessageRateWindow)
	assert.Equal(t, 100, cfg.Server.HistoryLimit)
	assert.Empty(t, cfg.Server.AllowedOrigins)
	assert.Len(t, cfg.Server.TrustedProxies, 3)

	assert.Equal(t, "notifier", cfg.Database.Name)
	assert.Empty(t, cfg.Database.EncryptionKey)

	assert.Equal(t, ProviderGemini, cfg.Enrichment.Provider)
	assert.Equal(t, "gemini-1.5-flash-latest", cfg.Enrichment.Model)
	assert.Equal(t, 8*time.Second, cfg.Enrichment.Timeout)
	assert.InDelta(t, 0.8, cfg.Enrichment.Temperature, 0.0001)
	assert.Equal(t, 150, cfg.Enrichment.MaxTokens)
	assert.False(t, cfg.Enrichment.Enabled())

	assert.False(t, cfg.Push.Enabled())
	assert.Equal(t, 86400, cfg.Push.TTL)
	assert.Equal(t, 10*time.Second, cfg.Push.SendTimeout)
	assert.False(t, cfg.Push.SkipWhenOnline)

	assert.False(t, cfg.Auth.RequireToken)
	assert.Equal(t, 720*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("NOTIFIER_PATH_PREFIX", "/env")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("NOTIFIER_REQUIRE_TOKEN", "true")
	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")

	src := mapSource{
		"notifier.path_prefix":      "/file",
		"notifier.max_message_size": 1024,
		"notifier.require_token":    false,
		"enrichment.api_key":        "file-key",
	}

	cfg, err := Load(src)
	require.NoError(t, err)

	assert.Equal(t, "/env", cfg.Server.PathPrefix)
	assert.Equal(t, int64(2048), cfg.Server.MaxMessageSize)
	assert.True(t, cfg.Auth.RequireToken)
	assert.Equal(t, "gem-key", cfg.Enrichment.APIKey)
	assert.True(t, cfg.Push.Enabled())
}

func TestLoad_OpenAIProviderDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(mapSource{"enrichment.provider": "OpenAI"})
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Enrichment.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Enrichment.Model)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Enrichment.Endpoint)
	assert.Equal(t, "sk-test", cfg.Enrichment.APIKey)
}

func TestLoad_ParseErrors(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "lots")

	_, err := Load(mapSource{
		"notifier.message_rate_window": "soon",
		"enrichment.temperature":       "warm",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifier.max_message_size")
	assert.Contains(t, err.Error(), "notifier.message_rate_window")
	assert.Contains(t, err.Error(), "enrichment.temperature")
}

func TestLoad_FromGoconfigFile(t *testing.T) {
	configContent := `
[notifier]
path_prefix = "/love"
shared_secret = "k8Zq!vTr-ocean-17"
history_limit = 50
require_token = false
allowed_origins = "https://a.example, https://b.example"

[enrichment]
timeout = "3s"

[push]
skip_when_online = true
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))
	t.Setenv("RMBASE_FILE_CFG", path)

	goconfig.ResetConfig()
	t.Cleanup(func() { goconfig.ResetConfig() })
	require.NoError(t, goconfig.LoadConfig())
	accessor, err := goconfig.Default()
	require.NoError(t, err)

	cfg, err := Load(accessor)
	require.NoError(t, err)

	assert.Equal(t, "/love", cfg.Server.PathPrefix)
	assert.Equal(t, 50, cfg.Server.HistoryLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.Enrichment.Timeout)
	assert.True(t, cfg.Push.SkipWhenOnline)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Valid(t *testing.T) {
	cfg, err := Load(validSource())
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_SharedSecretHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("k8Zq!vTr-ocean-17"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg, err := Load(mapSource{"notifier.shared_secret_hash": string(hash)})
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	cfg.Auth.SharedSecretHash = "not-a-hash"
	assert.ErrorContains(t, cfg.Validate(), "bcrypt")
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"no secret", func(c *Config) { c.Auth.SharedSecret = "" }, "shared secret or shared secret hash is required"},
		{"short secret", func(c *Config) { c.Auth.SharedSecret = "abc" }, "shared secret must be at least"},
		{"placeholder secret", func(c *Config) { c.Auth.SharedSecret = "REPLACE_WITH_SECRET" }, "placeholder"},
		{"short jwt", func(c *Config) { c.Auth.JWTSecret = "short" }, "JWT secret must be at least"},
		{"weak jwt", func(c *Config) { c.Auth.JWTSecret = "my-password-is-long-enough-for-the-check" }, "weak"},
		{"token without jwt", func(c *Config) { c.Auth.RequireToken = true }, "require_token needs a JWT secret"},
		{"prefix", func(c *Config) { c.Server.PathPrefix = "notifier" }, "must start with '/'"},
		{"history limit", func(c *Config) { c.Server.HistoryLimit = 0 }, "history limit"},
		{"bad network", func(c *Config) { c.Server.TrustedProxies = []string{"nope"} }, "invalid network"},
		{"encryption key", func(c *Config) { c.Database.EncryptionKey = []byte("short") }, "encryption key must be exactly 32 bytes"},
		{"provider", func(c *Config) { c.Enrichment.Provider = "claude" }, "enrichment provider"},
		{"temperature", func(c *Config) { c.Enrichment.Temperature = 3 }, "temperature"},
		{"half vapid", func(c *Config) { c.Push.VAPIDPublicKey = "pub" }, "set together"},
		{"subscriber", func(c *Config) {
			c.Push.VAPIDPublicKey, c.Push.VAPIDPrivateKey = "pub", "priv"
			c.Push.Subscriber = "ops@example.com"
		}, "mailto:"},
		{"push rate", func(c *Config) { c.Push.RateLimit = 0 }, "push rate limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(validSource())
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg, err := Load(mapSource{})
	require.NoError(t, err)
	cfg.Server.PathPrefix = ""
	cfg.Push.TTL = -1

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared secret")
	assert.Contains(t, err.Error(), "path prefix")
	assert.Contains(t, err.Error(), "push TTL")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a ,, b ,"))
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork("10.0.0.0/8")
	require.NoError(t, err)
	assert.True(t, n.Contains([]byte{10, 1, 2, 3}))

	n, err = ParseNetwork("127.0.0.1")
	require.NoError(t, err)
	assert.True(t, n.Contains([]byte{127, 0, 0, 1}))
	assert.False(t, n.Contains([]byte{127, 0, 0, 2}))

	_, err = ParseNetwork("::1")
	assert.NoError(t, err)

	_, err = ParseNetwork("localhost")
	assert.Error(t, err)
}

func TestProperty_PathPrefixValidation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("prefixes without a leading slash are rejected", prop.ForAll(
		func(segment string) bool {
			cfg, err := Load(validSource())
			if err != nil {
				return false
			}
			cfg.Server.PathPrefix = segment
			bad := cfg.Validate() != nil

			cfg.Server.PathPrefix = "/" + segment
			good := cfg.Validate() == nil
			return bad && good
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
