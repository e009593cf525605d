package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/cifix/internal/config"
	"github.com/jonathan/cifix/internal/db"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

// openStore connects to PostgreSQL and applies the schema, or falls back to
// the in-memory store when no database URL is configured.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (db.Store, string, error) {
	if cfg.URL == "" {
		return db.NewMemStore(), storeMemory, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	database, err := db.Connect(connectCtx, cfg.URL, poolOptions(cfg)...)
	if err != nil {
		return nil, "", err
	}
	if err := database.Migrate(connectCtx); err != nil {
		database.Close()
		return nil, "", err
	}
	return database, storePostgres, nil
}

// requirePostgres opens the configured database for maintenance commands.
func requirePostgres(ctx context.Context, cfg config.DatabaseConfig) (*db.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return db.Connect(connectCtx, cfg.URL, poolOptions(cfg)...)
}

func poolOptions(cfg config.DatabaseConfig) []db.PoolOption {
	return []db.PoolOption{
		db.WithMaxConns(cfg.MaxConns),
		db.WithMaxConnIdleTime(cfg.MaxConnIdleTime),
	}
}
