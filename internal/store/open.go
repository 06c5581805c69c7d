package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

// Open builds the store selected by the database config. The returned close
// function releases the connection pool and is never nil.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Store, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "memory":
		logger.Info("Using in-memory store.")
		return NewMemory(), func() {}, nil
	case "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, cfg.URL, logger); err != nil {
			return nil, nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Connected to PostgreSQL store.", zap.Int32("max_conns", poolCfg.MaxConns))
	return s, pool.Close, nil
}
