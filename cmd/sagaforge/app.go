package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sagaforge/internal/assembler"
	"sagaforge/internal/branch"
	"sagaforge/internal/config"
	"sagaforge/internal/llm"
	"sagaforge/internal/platform/otel"
	"sagaforge/internal/retrieval"
	"sagaforge/internal/steps"
	"sagaforge/internal/store"
	"sagaforge/internal/workflow"
)

// app is everything a generating command needs, built from the project
// config.
type app struct {
	cfg      *config.ProjectConfig
	db       store.Store
	engine   *workflow.Engine
	branches *branch.Manager
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.ProjectConfig, *config.Rules, error) {
	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	rulesPath := cfg.RulesFile
	if !filepath.IsAbs(rulesPath) {
		rulesPath = filepath.Join(filepath.Dir(configPath), rulesPath)
	}
	rules, err := config.LoadRules(rulesPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, rules, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, rules, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	shutdown, err := otel.Setup(ctx, "sagaforge", version)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close(ctx)
		_ = shutdown(ctx)
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	completer := llm.NewRetrying(llm.NewOpenAI(cfg.LLM), cfg.LLM, logger)
	locks := branch.NewLocks()
	search := retrieval.New(db, retrieval.Policy{MinStoryFragments: cfg.Context.MinStoryFragments})
	engine := workflow.New(workflow.Deps{
		Store:     db,
		Steps:     steps.New(completer, steps.ConfigFrom(cfg), logger),
		Assembler: assembler.New(db, db, search, assembler.ConfigFrom(cfg.Context), logger),
		Locks:     locks,
		Logger:    logger,
	}, workflow.ConfigFrom(cfg, rules))

	return &app{
		cfg:      cfg,
		db:       db,
		engine:   engine,
		branches: branch.New(db, locks, logger),
		logger:   logger,
		shutdown: shutdown,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.db.Close(ctx); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("flushing traces", "error", err)
	}
}

// openStore is the read-only path used by query commands: no LLM client and
// no tracing.
func openStore(ctx context.Context) (store.Store, error) {
	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openDB(ctx, cfg)
}
