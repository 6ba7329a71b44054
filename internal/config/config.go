// Package config loads application configuration from environment variables
// and an optional .env file. It uses viper with sensible defaults; every
// value can be overridden per deployment.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kriasoft/flagkit/internal/contextval"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	AppEnv      string // dev, staging, prod
	HTTPAddr    string // API server bind address
	MetricsAddr string // metrics/pprof server bind address
	LogLevel    string // zerolog level name

	StoreType   string // memory or postgres
	DatabaseDSN string // PostgreSQL connection string
	RedisAddr   string // optional shared idempotency store

	CacheMaxEntries int
	CacheTTL        time.Duration

	AdminEnabled bool
	AdminRoles   []string
	MultiTenant  bool

	TrackUsage        bool
	UnknownFlagPolicy string // log, throw, track-unknown
	IdempotencyTTL    time.Duration

	AuditEnabled       bool
	AuditRetentionDays int

	RateLimitEvaluate int // requests per minute per IP
	RateLimitBatch    int
	RateLimitAdmin    int

	// DisabledOverridesPinned restores the legacy ordering where a
	// disabled flag beats a user override.
	DisabledOverridesPinned bool

	// HeaderRules is the whitelist of request headers allowed to become
	// context attributes, parsed from FLAGKIT_HEADER_RULES (JSON array).
	HeaderRules []contextval.HeaderRule
}

// Load reads configuration from the environment and the optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	_ = v.ReadInConfig() // .env is optional
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		AppEnv:      strings.TrimSpace(v.GetString("FLAGKIT_APP_ENV")),
		HTTPAddr:    strings.TrimSpace(v.GetString("FLAGKIT_HTTP_ADDR")),
		MetricsAddr: strings.TrimSpace(v.GetString("FLAGKIT_METRICS_ADDR")),
		LogLevel:    strings.TrimSpace(v.GetString("FLAGKIT_LOG_LEVEL")),

		StoreType:   strings.ToLower(strings.TrimSpace(v.GetString("FLAGKIT_STORE_TYPE"))),
		DatabaseDSN: strings.TrimSpace(v.GetString("FLAGKIT_DB_DSN")),
		RedisAddr:   strings.TrimSpace(v.GetString("FLAGKIT_REDIS_ADDR")),

		CacheMaxEntries: v.GetInt("FLAGKIT_CACHE_MAX_ENTRIES"),
		CacheTTL:        time.Duration(v.GetInt("FLAGKIT_CACHE_TTL_SECONDS")) * time.Second,

		AdminEnabled: v.GetBool("FLAGKIT_ADMIN_ENABLED"),
		AdminRoles:   splitList(v.GetString("FLAGKIT_ADMIN_ROLES")),
		MultiTenant:  v.GetBool("FLAGKIT_MULTI_TENANT"),

		TrackUsage:        v.GetBool("FLAGKIT_TRACK_USAGE"),
		UnknownFlagPolicy: strings.ToLower(strings.TrimSpace(v.GetString("FLAGKIT_UNKNOWN_FLAG_POLICY"))),
		IdempotencyTTL:    time.Duration(v.GetInt("FLAGKIT_IDEMPOTENCY_TTL_SECONDS")) * time.Second,

		AuditEnabled:       v.GetBool("FLAGKIT_AUDIT_ENABLED"),
		AuditRetentionDays: v.GetInt("FLAGKIT_AUDIT_RETENTION_DAYS"),

		RateLimitEvaluate: v.GetInt("FLAGKIT_RATE_LIMIT_EVALUATE"),
		RateLimitBatch:    v.GetInt("FLAGKIT_RATE_LIMIT_BATCH"),
		RateLimitAdmin:    v.GetInt("FLAGKIT_RATE_LIMIT_ADMIN"),

		DisabledOverridesPinned: v.GetBool("FLAGKIT_DISABLED_OVERRIDES_PINNED"),
	}

	if raw := strings.TrimSpace(v.GetString("FLAGKIT_HEADER_RULES")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.HeaderRules); err != nil {
			return nil, fmt.Errorf("FLAGKIT_HEADER_RULES is not a valid JSON array: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("FLAGKIT_APP_ENV", "dev")
	v.SetDefault("FLAGKIT_HTTP_ADDR", ":8080")
	v.SetDefault("FLAGKIT_METRICS_ADDR", ":9090")
	v.SetDefault("FLAGKIT_LOG_LEVEL", "info")

	v.SetDefault("FLAGKIT_STORE_TYPE", "memory")
	v.SetDefault("FLAGKIT_DB_DSN", "")
	v.SetDefault("FLAGKIT_REDIS_ADDR", "")

	v.SetDefault("FLAGKIT_CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("FLAGKIT_CACHE_TTL_SECONDS", 60)

	v.SetDefault("FLAGKIT_ADMIN_ENABLED", true)
	v.SetDefault("FLAGKIT_ADMIN_ROLES", "admin")
	v.SetDefault("FLAGKIT_MULTI_TENANT", false)

	v.SetDefault("FLAGKIT_TRACK_USAGE", true)
	v.SetDefault("FLAGKIT_UNKNOWN_FLAG_POLICY", "log")
	v.SetDefault("FLAGKIT_IDEMPOTENCY_TTL_SECONDS", 86400)

	v.SetDefault("FLAGKIT_AUDIT_ENABLED", true)
	v.SetDefault("FLAGKIT_AUDIT_RETENTION_DAYS", 90)

	v.SetDefault("FLAGKIT_RATE_LIMIT_EVALUATE", 100)
	v.SetDefault("FLAGKIT_RATE_LIMIT_BATCH", 1000)
	v.SetDefault("FLAGKIT_RATE_LIMIT_ADMIN", 20)

	v.SetDefault("FLAGKIT_DISABLED_OVERRIDES_PINNED", false)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func validate(cfg *Config) error {
	if cfg.HTTPAddr == "" {
		return fmt.Errorf("FLAGKIT_HTTP_ADDR must not be empty")
	}
	if cfg.MetricsAddr == "" {
		return fmt.Errorf("FLAGKIT_METRICS_ADDR must not be empty")
	}
	switch cfg.StoreType {
	case "memory":
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return fmt.Errorf("FLAGKIT_DB_DSN must be set when FLAGKIT_STORE_TYPE=postgres")
		}
	default:
		return fmt.Errorf("unsupported FLAGKIT_STORE_TYPE %q (expected memory or postgres)", cfg.StoreType)
	}
	switch cfg.UnknownFlagPolicy {
	case "log", "throw", "track-unknown":
	default:
		return fmt.Errorf("unsupported FLAGKIT_UNKNOWN_FLAG_POLICY %q (expected log, throw, or track-unknown)", cfg.UnknownFlagPolicy)
	}
	if cfg.CacheMaxEntries <= 0 {
		return fmt.Errorf("FLAGKIT_CACHE_MAX_ENTRIES must be positive")
	}
	if len(cfg.AdminRoles) == 0 && cfg.AdminEnabled {
		return fmt.Errorf("FLAGKIT_ADMIN_ROLES must not be empty while admin access is enabled")
	}
	return nil
}
