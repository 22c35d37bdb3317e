// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Engine API keys are optional: the relay path works with no engines at all.
// At least one engine key is required only to serve the engine-routed
// completion endpoint. Redis is optional — set RATELIMIT_MODE=memory for the
// built-in in-process limiter with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Engine API keys. An engine with an empty key is disabled.
	OpenAI    EngineConfig
	Anthropic EngineConfig
	Gemini    EngineConfig

	// OpenAI-compatible engines.
	XAI      EngineConfig
	DeepSeek EngineConfig
	Groq     EngineConfig

	// Relay controls the completion relay lifecycle.
	Relay RelayConfig

	// Failover controls engine health probing and fallback.
	Failover FailoverConfig

	// RateLimit controls per-credential request limiting.
	RateLimit RateLimitConfig

	// Dedup controls the transcript duplicate log.
	Dedup DedupConfig

	// Redis holds the connection URL for the Redis-backed rate limiter.
	// Required only when RateLimit.Mode is "redis".
	Redis RedisConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// EngineConfig holds configuration for a single backend engine.
type EngineConfig struct {
	// APIKey is the engine API key. Leave empty to disable the engine.
	APIKey string

	// BaseURL overrides the engine's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RelayConfig controls completion relay timings and thresholds.
type RelayConfig struct {
	// MinKeyLength is the minimum accepted client key length. Default: 10.
	MinKeyLength int

	// SplitThreshold is the maximum fragment size forwarded in one SSE chunk.
	// Default: 8000.
	SplitThreshold int

	// FinalizeDelay is how long after the done signal the first quiet-period
	// check runs. Default: 4s.
	FinalizeDelay time.Duration

	// QuietPeriod is how long the channel must stay silent before the call
	// finalizes. Default: 2s.
	QuietPeriod time.Duration

	// DisconnectGrace is the client-disconnect confirmation window. Default: 2s.
	DisconnectGrace time.Duration

	// MaxFinalizeWait caps the finalize dwell. Default: 30s.
	MaxFinalizeWait time.Duration
}

// FailoverConfig controls engine health probing and generation fallback.
type FailoverConfig struct {
	// ProbeTimeout bounds a single health probe call. Default: 10s.
	ProbeTimeout time.Duration

	// ProbeInterval is the period of the background probe loop. Default: 5m.
	ProbeInterval time.Duration

	// GenerateTries is the attempt budget per model for non-streaming
	// generations. Default: 3.
	GenerateTries int

	// Catalog overrides the built-in model catalog. Entries take the form
	// "engine:model" in priority order, e.g. "openai:gpt-4o".
	Catalog []string
}

// RateLimitConfig controls per-(credential, path) request limiting.
type RateLimitConfig struct {
	// Mode selects the limiter backend:
	//   "memory" — In-process fixed windows. Not shared across replicas.
	//   "redis"  — Redis sliding windows (requires REDIS_URL).
	//   "none"   — Rate limiting disabled.
	// Default: "memory".
	Mode string

	// Limit is the maximum requests per window per (credential, path).
	// 0 disables rate limiting. Default: 60.
	Limit int

	// Window is the limiting window. Default: 1m.
	Window time.Duration
}

// DedupConfig controls the transcript duplicate log.
type DedupConfig struct {
	// Capacity is the maximum number of stored transcripts. Default: 1000.
	Capacity int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Relay defaults.
	v.SetDefault("RELAY_MIN_KEY_LENGTH", 10)
	v.SetDefault("RELAY_SPLIT_THRESHOLD", 8000)
	v.SetDefault("RELAY_FINALIZE_DELAY", "4s")
	v.SetDefault("RELAY_QUIET_PERIOD", "2s")
	v.SetDefault("RELAY_DISCONNECT_GRACE", "2s")
	v.SetDefault("RELAY_MAX_FINALIZE_WAIT", "30s")

	// Failover defaults.
	v.SetDefault("PROBE_TIMEOUT", "10s")
	v.SetDefault("PROBE_INTERVAL", "5m")
	v.SetDefault("GENERATE_TRIES", 3)

	// Rate limit defaults.
	v.SetDefault("RATELIMIT_MODE", "memory")
	v.SetDefault("RATELIMIT_LIMIT", 60)
	v.SetDefault("RATELIMIT_WINDOW", "1m")

	// Dedup defaults.
	v.SetDefault("DEDUP_CAPACITY", 1000)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    EngineConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: EngineConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    EngineConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		XAI:      EngineConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},
		DeepSeek: EngineConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		Groq:     EngineConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},

		Relay: RelayConfig{
			MinKeyLength:    v.GetInt("RELAY_MIN_KEY_LENGTH"),
			SplitThreshold:  v.GetInt("RELAY_SPLIT_THRESHOLD"),
			FinalizeDelay:   v.GetDuration("RELAY_FINALIZE_DELAY"),
			QuietPeriod:     v.GetDuration("RELAY_QUIET_PERIOD"),
			DisconnectGrace: v.GetDuration("RELAY_DISCONNECT_GRACE"),
			MaxFinalizeWait: v.GetDuration("RELAY_MAX_FINALIZE_WAIT"),
		},

		Failover: FailoverConfig{
			ProbeTimeout:  v.GetDuration("PROBE_TIMEOUT"),
			ProbeInterval: v.GetDuration("PROBE_INTERVAL"),
			GenerateTries: v.GetInt("GENERATE_TRIES"),
			Catalog:       v.GetStringSlice("MODEL_CATALOG"),
		},

		RateLimit: RateLimitConfig{
			Mode:   strings.ToLower(v.GetString("RATELIMIT_MODE")),
			Limit:  v.GetInt("RATELIMIT_LIMIT"),
			Window: v.GetDuration("RATELIMIT_WINDOW"),
		},

		Dedup: DedupConfig{
			Capacity: v.GetInt("DEDUP_CAPACITY"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.RateLimit.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid RATELIMIT_MODE %q; must be one of: redis, memory, none",
			c.RateLimit.Mode,
		)
	}

	// Redis URL is required when the limiter is Redis-backed.
	if c.RateLimit.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RATELIMIT_MODE=redis; " +
				"set RATELIMIT_MODE=memory to use the built-in in-process limiter",
		)
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATELIMIT_WINDOW must be a positive duration")
	}

	if c.Relay.MinKeyLength < 1 {
		return fmt.Errorf("config: RELAY_MIN_KEY_LENGTH must be ≥ 1, got %d", c.Relay.MinKeyLength)
	}
	if c.Relay.SplitThreshold < 1 {
		return fmt.Errorf("config: RELAY_SPLIT_THRESHOLD must be ≥ 1, got %d", c.Relay.SplitThreshold)
	}
	if c.Relay.FinalizeDelay <= 0 || c.Relay.QuietPeriod <= 0 || c.Relay.DisconnectGrace <= 0 {
		return fmt.Errorf("config: relay timings must be positive durations")
	}
	if c.Relay.MaxFinalizeWait < c.Relay.FinalizeDelay {
		return fmt.Errorf(
			"config: RELAY_MAX_FINALIZE_WAIT (%s) must be at least RELAY_FINALIZE_DELAY (%s)",
			c.Relay.MaxFinalizeWait, c.Relay.FinalizeDelay,
		)
	}

	if c.Failover.GenerateTries < 1 {
		return fmt.Errorf("config: GENERATE_TRIES must be ≥ 1, got %d", c.Failover.GenerateTries)
	}

	for _, entry := range c.Failover.Catalog {
		if !strings.Contains(entry, ":") {
			return fmt.Errorf("config: invalid MODEL_CATALOG entry %q; expected \"engine:model\"", entry)
		}
	}

	return nil
}

// AtLeastOneEngineKey returns true if at least one backend engine is
// configured. The engine-routed completion endpoint needs one; the relay
// path does not.
func (c *Config) AtLeastOneEngineKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
