package store

import (
	"fmt"

	"github.com/aaronwang/marketplace/shared/config"
)

// Open builds the store selected by cfg.Driver, applying migrations first
// when AutoMigrate is set
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		if cfg.AutoMigrate {
			if err := RunMigrations(cfg.URL); err != nil {
				return nil, err
			}
		}
		pg, err := NewPostgres(cfg.URL, PostgresOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			LockTimeout:     cfg.LockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
