package store

import (
	"context"
	"fmt"

	"github.com/kriasoft/flagkit/internal/db"
	"github.com/rs/zerolog"
)

// FactoryConfig carries the settings the factory needs from the app config.
type FactoryConfig struct {
	Type              string // memory or postgres
	DatabaseDSN       string
	UnknownFlagPolicy UnknownFlagPolicy
	Logger            zerolog.Logger
}

// NewStore creates a store based on the configured backend type.
//
// For postgres the pool is created lazily; callers should Ping to verify
// connectivity before serving traffic.
func NewStore(ctx context.Context, cfg FactoryConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(
			WithUnknownFlagPolicy(cfg.UnknownFlagPolicy),
			WithLogger(cfg.Logger),
		), nil
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty when using postgres store (set FLAGKIT_DB_DSN)")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return NewPostgresStore(pool,
			WithPostgresUnknownFlagPolicy(cfg.UnknownFlagPolicy),
			WithPostgresLogger(cfg.Logger),
		), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s (must be 'memory' or 'postgres')", cfg.Type)
	}
}
