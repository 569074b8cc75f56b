// Package config handles configuration loading. Environment variables
// prefixed CLAUDEGATE_ are the primary source; an optional YAML file supplies
// defaults for anything not set in the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Pool      PoolConfig      `yaml:"pool"`
	CLI       CLIConfig       `yaml:"cli"`
	Budget    BudgetConfig    `yaml:"budget"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// UpstreamConfig holds credentials for the direct (non-subprocess)
// completion path. Leaving AnthropicAPIKey empty disables the direct path;
// the compatibility adapter then always routes through the subprocess pool.
type UpstreamConfig struct {
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // bootstrap admin key (hashed on first use)
}

// PoolConfig holds worker-pool sizing for subprocess execution.
type PoolConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// CLIConfig locates the vendor CLI binary invoked by the worker pool.
type CLIConfig struct {
	Path string `yaml:"path"`
}

// BudgetConfig holds default cost-control settings.
type BudgetConfig struct {
	DefaultMonthlyQuotaUSD float64 `yaml:"default_monthly_quota_usd"` // 0 = unlimited
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name            string `yaml:"name"`
	Key             string `yaml:"key"` // plaintext, hashed on bootstrap
	ProjectID       string `yaml:"project_id"`
	Role            string `yaml:"role"`
	RateLimitPerMin int64  `yaml:"rate_limit_per_min"`
	Profile         string `yaml:"profile"` // "free", "pro", "enterprise"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "claudegate.db",
		},
		Pool: PoolConfig{
			MaxWorkers:     4,
			QueueCapacity:  64,
			PollInterval:   10 * time.Millisecond,
			DefaultTimeout: 120 * time.Second,
		},
		CLI: CLIConfig{
			Path: "claude",
		},
		Budget: BudgetConfig{
			DefaultMonthlyQuotaUSD: 0,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Upstream: UpstreamConfig{
			AnthropicBaseURL: "https://api.anthropic.com/v1",
		},
	}
}

// Load builds a Config from an optional YAML file overlaid with
// CLAUDEGATE_-prefixed environment variables. path may be empty, in which
// case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg, os.Environ())
	return cfg, nil
}

const envPrefix = "CLAUDEGATE_"

// applyEnv overlays recognized CLAUDEGATE_* variables onto cfg. Unknown
// CLAUDEGATE_ keys are logged with a warning and otherwise ignored; they are
// not an error since older deploys may carry settings a newer binary doesn't
// recognize yet.
func applyEnv(cfg *Config, environ []string) {
	env := map[string]string{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}

	known := map[string]bool{}
	str := func(key string, dst *string) {
		known[key] = true
		if v, ok := env[envPrefix+key]; ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		known[key] = true
		if v, ok := env[envPrefix+key]; ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	i := func(key string, dst *int) {
		known[key] = true
		if v, ok := env[envPrefix+key]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	f := func(key string, dst *float64) {
		known[key] = true
		if v, ok := env[envPrefix+key]; ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	b := func(key string, dst *bool) {
		known[key] = true
		if v, ok := env[envPrefix+key]; ok {
			if n, err := strconv.ParseBool(v); err == nil {
				*dst = n
			}
		}
	}

	str("SERVER_ADDR", &cfg.Server.Addr)
	dur("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	dur("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	str("DATABASE_DSN", &cfg.Database.DSN)

	str("AUTH_ADMIN_KEY", &cfg.Auth.AdminKey)

	i("POOL_MAX_WORKERS", &cfg.Pool.MaxWorkers)
	i("POOL_QUEUE_CAPACITY", &cfg.Pool.QueueCapacity)
	dur("POOL_POLL_INTERVAL", &cfg.Pool.PollInterval)
	dur("POOL_DEFAULT_TIMEOUT", &cfg.Pool.DefaultTimeout)

	str("CLI_PATH", &cfg.CLI.Path)

	f("BUDGET_DEFAULT_MONTHLY_QUOTA_USD", &cfg.Budget.DefaultMonthlyQuotaUSD)

	b("CACHE_ENABLED", &cfg.Cache.Enabled)
	i("CACHE_MAX_SIZE", &cfg.Cache.MaxSize)
	dur("CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)

	b("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	b("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	f("TELEMETRY_TRACING_SAMPLE_RATE", &cfg.Telemetry.Tracing.SampleRate)

	str("UPSTREAM_ANTHROPIC_API_KEY", &cfg.Upstream.AnthropicAPIKey)
	str("UPSTREAM_ANTHROPIC_BASE_URL", &cfg.Upstream.AnthropicBaseURL)

	for k := range env {
		if !known[strings.TrimPrefix(k, envPrefix)] {
			slog.Warn("ignoring unknown config environment variable", "key", k)
		}
	}
}
