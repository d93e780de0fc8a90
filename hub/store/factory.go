package store

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/remotectl/hub/config"
)

const openTimeout = 10 * time.Second

// Open connects to the configured database, applies migrations and checks
// that it answers. An empty driver means sqlite.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = NewPostgres(cfg.DSN)
	case "sqlite", "":
		s, err = NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Driver, err)
	}
	return s, nil
}
