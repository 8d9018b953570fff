package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-bot/internal/store"
)

// initStore opens the configured database. Without a database URL every
// write is discarded.
func initStore(ctx context.Context) (store.Store, error) {
	if cfg.Store.DatabaseURL == "" {
		return store.Nop{}, nil
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
