// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file is loaded first when
// present.
//
// Redis and ClickHouse are optional: without REDIS_URL the rate limiter and
// catalog cache run in-process, and without CLICKHOUSE_ADDR usage events go
// to the structured log only.
package config

import (
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

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// KeySalt is mixed into API key hashes. When empty the gateway starts
	// without authentication (development only).
	KeySalt string

	// ProvidersFile seeds the registry from a JSON provider list at startup.
	// Optional; providers can also be registered programmatically.
	ProvidersFile string

	// RegistryReload is how often the registry re-reads the store to pick up
	// external writes. Default: 30s.
	RegistryReload time.Duration

	Redis          RedisConfig
	ClickHouse     ClickHouseConfig
	Sandbox        SandboxConfig
	CircuitBreaker CircuitBreakerConfig
	Queue          QueueConfig
	Shield         ShieldConfig

	// ProviderTimeout is the per-attempt upstream timeout for non-streaming
	// requests. Default: 30s.
	ProviderTimeout time.Duration

	// ProviderConcurrency caps concurrent attempts per provider. Default: 32.
	ProviderConcurrency int

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any
	// origin (default).
	CORSOrigins []string
}

// RedisConfig holds the Redis connection for the rate limiter and the
// catalog cache.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis.
	URL string
}

// ClickHouseConfig holds the optional usage analytics sink.
type ClickHouseConfig struct {
	// Addr is host:port of the ClickHouse native endpoint. Empty disables
	// the sink.
	Addr     string
	Database string
	Username string
	Password string
}

// SandboxConfig controls the CLI adapter's container executor.
type SandboxConfig struct {
	// AllowedCommands and AllowedImages form the execution allowlist. A CLI
	// provider whose command or image is not listed fails with a config
	// error.
	AllowedCommands []string
	AllowedImages   []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of counted errors within TimeWindow that
	// trip the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// QueueConfig sizes the admission queue.
type QueueConfig struct {
	// Concurrency is the number of requests dispatched at once. Default: 64.
	Concurrency int

	// MaxWaiting caps queued requests per priority level. Default: 256.
	MaxWaiting int

	// MaxWait bounds how long a request may sit in the queue. Default: 10s.
	MaxWait time.Duration
}

// ShieldConfig controls the per-IP pre-auth limiter.
type ShieldConfig struct {
	// RPS is the sustained per-IP request rate. 0 disables the shield.
	RPS float64

	// Burst is the per-IP burst allowance. Default: 2×RPS.
	Burst int
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
	v.SetDefault("REGISTRY_RELOAD", "30s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_COOLDOWN", "30s")

	v.SetDefault("QUEUE_CONCURRENCY", 64)
	v.SetDefault("QUEUE_MAX_WAITING", 256)
	v.SetDefault("QUEUE_MAX_WAIT", "10s")

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("PROVIDER_CONCURRENCY", 32)

	// Shield: 0 = disabled.
	v.SetDefault("SHIELD_RPS", 0)
	v.SetDefault("SHIELD_BURST", 0)

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		KeySalt:        v.GetString("KEY_SALT"),
		ProvidersFile:  v.GetString("PROVIDERS_FILE"),
		RegistryReload: v.GetDuration("REGISTRY_RELOAD"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Sandbox: SandboxConfig{
			AllowedCommands: v.GetStringSlice("SANDBOX_ALLOWED_COMMANDS"),
			AllowedImages:   v.GetStringSlice("SANDBOX_ALLOWED_IMAGES"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:     v.GetDuration("CB_TIME_WINDOW"),
			Cooldown:       v.GetDuration("CB_COOLDOWN"),
		},

		Queue: QueueConfig{
			Concurrency: v.GetInt("QUEUE_CONCURRENCY"),
			MaxWaiting:  v.GetInt("QUEUE_MAX_WAITING"),
			MaxWait:     v.GetDuration("QUEUE_MAX_WAIT"),
		},

		Shield: ShieldConfig{
			RPS:   v.GetFloat64("SHIELD_RPS"),
			Burst: v.GetInt("SHIELD_BURST"),
		},

		ProviderTimeout:     v.GetDuration("PROVIDER_TIMEOUT"),
		ProviderConcurrency: v.GetInt("PROVIDER_CONCURRENCY"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in [1, 65535], got %d", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("config: QUEUE_CONCURRENCY must be positive")
	}
	if c.Queue.MaxWaiting < 0 {
		return fmt.Errorf("config: QUEUE_MAX_WAITING must not be negative")
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be positive")
	}
	if c.Shield.RPS < 0 {
		return fmt.Errorf("config: SHIELD_RPS must not be negative")
	}
	if c.ProvidersFile != "" {
		if _, err := os.Stat(c.ProvidersFile); err != nil {
			return fmt.Errorf("config: PROVIDERS_FILE %q: %w", c.ProvidersFile, err)
		}
	}
	return nil
}

// ShieldBurst returns the effective burst (2×RPS when unset).
func (c *Config) ShieldBurst() int {
	if c.Shield.Burst > 0 {
		return c.Shield.Burst
	}
	b := int(c.Shield.RPS * 2)
	if b < 1 {
		b = 1
	}
	return b
}

// loadDotEnv loads a .env file into the process environment when it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
