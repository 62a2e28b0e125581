package main

import (
	"context"
	"strings"

	"sagaforge/internal/config"
	"sagaforge/internal/store"
	"sagaforge/internal/store/postgres"
	"sagaforge/internal/store/sqlite"
)

func openDB(ctx context.Context, cfg *config.ProjectConfig) (store.Store, error) {
	if strings.HasPrefix(cfg.Database.DSN, "sqlite://") {
		return sqlite.New(ctx, cfg.Database.DSN)
	}
	return postgres.New(ctx, cfg.Database.DSN)
}
