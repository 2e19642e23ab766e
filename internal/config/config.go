// Package config loads the process-wide settings from YAML with environment
// overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hive-corporation/intelcommons/internal/logger"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	Indicators IndicatorsConfig `yaml:"indicators"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Storage    StorageConfig    `yaml:"storage"`
	QueryLog   QueryLogConfig   `yaml:"querylog"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    logger.Config    `yaml:"logging"`
}

// ServerConfig controls the listening transports.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	AuthToken       string        `yaml:"auth_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PrivacyConfig holds the anonymity and noise parameters.
type PrivacyConfig struct {
	KThreshold           int           `yaml:"k_threshold"`
	Epsilon              float64       `yaml:"epsilon"`
	HashSecret           string        `yaml:"hash_secret"`
	OrgCacheSize         int           `yaml:"org_cache_size"`
	OrgCacheTTL          time.Duration `yaml:"org_cache_ttl"`
	DisclosePendingCount bool          `yaml:"disclose_pending_count"`
}

// IndicatorsConfig controls time-to-live and retention.
type IndicatorsConfig struct {
	DefaultTTLHours int           `yaml:"default_ttl_hours"`
	MinTTLHours     int           `yaml:"min_ttl_hours"`
	MaxTTLHours     int           `yaml:"max_ttl_hours"`
	RetentionGrace  time.Duration `yaml:"retention_grace"`
	PurgeSchedule   string        `yaml:"purge_schedule"`
}

// RateLimitConfig holds the per-class sliding window quotas.
type RateLimitConfig struct {
	ShareLimit  int64         `yaml:"share_limit"`
	ShareWindow time.Duration `yaml:"share_window"`
	QueryLimit  int64         `yaml:"query_limit"`
	QueryWindow time.Duration `yaml:"query_window"`
}

// StorageConfig selects the indicator and participation backend.
type StorageConfig struct {
	Backend         string        `yaml:"backend"` // memory|postgres
	PostgresDSN     string        `yaml:"postgres_dsn"`
	Timeout         time.Duration `yaml:"timeout"`
	ShardPow        uint8         `yaml:"shard_pow"`
	ExpectedItems   uint          `yaml:"expected_items"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// QueryLogConfig selects the query log backend.
type QueryLogConfig struct {
	Backend       string `yaml:"backend"` // memory|redis|postgres
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	AuditCap      int64  `yaml:"audit_cap"`
}

// NotifyConfig configures threshold-crossing notifications. Empty values
// disable the matching notifier.
type NotifyConfig struct {
	NATSURL      string        `yaml:"nats_url"`
	NATSSubject  string        `yaml:"nats_subject"`
	SlackToken   string        `yaml:"slack_token"`
	SlackChannel string        `yaml:"slack_channel"`
	SlackMention string        `yaml:"slack_mention"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns a configuration that runs fully in memory. Listeners bind
// to loopback unless configured otherwise.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        "localhost:8080",
			GRPCAddr:        "localhost:50051",
			ShutdownTimeout: 10 * time.Second,
		},
		Privacy: PrivacyConfig{
			KThreshold:           5,
			Epsilon:              0.1,
			OrgCacheSize:         10000,
			OrgCacheTTL:          time.Hour,
			DisclosePendingCount: true,
		},
		Indicators: IndicatorsConfig{
			DefaultTTLHours: 168,
			MinTTLHours:     1,
			MaxTTLHours:     8760,
			RetentionGrace:  720 * time.Hour,
			PurgeSchedule:   "@every 1h",
		},
		RateLimit: RateLimitConfig{
			ShareLimit:  10000,
			ShareWindow: 24 * time.Hour,
			QueryLimit:  1000,
			QueryWindow: time.Hour,
		},
		Storage: StorageConfig{
			Backend:         "memory",
			Timeout:         5 * time.Second,
			ShardPow:        5,
			ExpectedItems:   1_000_000,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		QueryLog: QueryLogConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "intelcommons",
			AuditCap:  100000,
		},
		Notify: NotifyConfig{
			NATSSubject:  "intelcommons.v1.indicator.shared",
			SlackChannel: "#threat-intel",
			Timeout:      10 * time.Second,
		},
		Logging: logger.Config{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path skips the
// file. Environment variables are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("HTTP_LISTEN_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_LISTEN_ADDR", c.Server.GRPCAddr)
	c.Server.AuthToken = getEnv("REST_API_AUTH_TOKEN", c.Server.AuthToken)

	c.Privacy.KThreshold = getEnvInt("INTELCOMMONS_K_THRESHOLD", c.Privacy.KThreshold)
	c.Privacy.Epsilon = getEnvFloat("INTELCOMMONS_EPSILON", c.Privacy.Epsilon)
	c.Privacy.HashSecret = getEnv("INTELCOMMONS_HASH_SECRET", c.Privacy.HashSecret)
	c.Privacy.DisclosePendingCount = getEnvBool("INTELCOMMONS_DISCLOSE_PENDING_COUNT", c.Privacy.DisclosePendingCount)

	c.Storage.Backend = getEnv("INTELCOMMONS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.PostgresDSN = getEnv("DATABASE_URL", c.Storage.PostgresDSN)

	c.QueryLog.Backend = getEnv("INTELCOMMONS_QUERYLOG_BACKEND", c.QueryLog.Backend)
	c.QueryLog.RedisAddr = getEnv("REDIS_ADDR", c.QueryLog.RedisAddr)
	c.QueryLog.RedisPassword = getEnv("REDIS_PASSWORD", c.QueryLog.RedisPassword)

	c.Notify.NATSURL = getEnv("NATS_URL", c.Notify.NATSURL)
	c.Notify.SlackToken = getEnv("SLACK_BOT_TOKEN", c.Notify.SlackToken)
	c.Notify.SlackChannel = getEnv("SLACK_CHANNEL", c.Notify.SlackChannel)
	c.Notify.SlackMention = getEnv("SLACK_MENTION_TEAM", c.Notify.SlackMention)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.JSON = getEnvBool("LOG_JSON", c.Logging.JSON)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Privacy.KThreshold < 1:
		return errors.Errorf("privacy.k_threshold must be at least 1, got %d", c.Privacy.KThreshold)
	case c.Privacy.Epsilon <= 0:
		return errors.Errorf("privacy.epsilon must be positive, got %v", c.Privacy.Epsilon)
	case c.Indicators.MinTTLHours < 1:
		return errors.New("indicators.min_ttl_hours must be at least 1")
	case c.Indicators.MinTTLHours > c.Indicators.MaxTTLHours:
		return errors.New("indicators.min_ttl_hours exceeds max_ttl_hours")
	case c.Indicators.DefaultTTLHours < c.Indicators.MinTTLHours || c.Indicators.DefaultTTLHours > c.Indicators.MaxTTLHours:
		return errors.New("indicators.default_ttl_hours is outside [min_ttl_hours, max_ttl_hours]")
	case c.Indicators.RetentionGrace < 0:
		return errors.New("indicators.retention_grace must not be negative")
	case c.RateLimit.ShareLimit <= 0 || c.RateLimit.ShareWindow <= 0:
		return errors.New("ratelimit share limit and window must be positive")
	case c.RateLimit.QueryLimit <= 0 || c.RateLimit.QueryWindow <= 0:
		return errors.New("ratelimit query limit and window must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return errors.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.QueryLog.Backend {
	case "memory":
	case "redis":
		if c.QueryLog.RedisAddr == "" {
			return errors.New("querylog.redis_addr is required for the redis backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres query log")
		}
	default:
		return errors.Errorf("unknown querylog.backend %q", c.QueryLog.Backend)
	}
	return nil
}

// LongestWindow is how long query log entries must be retained for rate
// limiting.
func (c *Config) LongestWindow() time.Duration {
	if c.RateLimit.ShareWindow > c.RateLimit.QueryWindow {
		return c.RateLimit.ShareWindow
	}
	return c.RateLimit.QueryWindow
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}
