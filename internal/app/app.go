// Package app builds the backends shared by the api and worker commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"plugin-runner/internal/artifacts"
	"plugin-runner/internal/config"
	"plugin-runner/internal/store"
)

// OpenRecords connects the configured record store and runs its migrations.
// The returned close func is never nil.
func OpenRecords(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Records, func(), error) {
	switch cfg.StoreDriver {
	case "", "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, func() {}, fmt.Errorf("migrations: %w", err)
		}
		return pg, pg.Close, nil
	case "memory":
		log.Warn("memory record store is not shared between processes")
		return store.NewMemory(), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenArtifacts builds the configured artifact driver.
func OpenArtifacts(ctx context.Context, cfg config.Config) (artifacts.Store, error) {
	switch cfg.ArtifactDriver {
	case "", "fs":
		return artifacts.NewFS(cfg.ArtifactDir), nil
	case "s3":
		s, err := artifacts.NewS3(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init s3 artifacts: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown artifact driver %q", cfg.ArtifactDriver)
	}
}
