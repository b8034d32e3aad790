package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/annotator/internal/core/config"
	"github.com/vietddude/annotator/internal/infra/storage"
	"github.com/vietddude/annotator/internal/infra/storage/memory"
	"github.com/vietddude/annotator/internal/infra/storage/mongo"
	"github.com/vietddude/annotator/internal/infra/storage/postgres"
)

// OpenStore connects the document store selected by cfg.Driver. mem backs
// the memory driver and may be nil for the other drivers.
func OpenStore(ctx context.Context, cfg config.StoreConfig, mem *memory.MemoryStorage) (storage.DocumentStore, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		store, err := mongo.NewStore(ctx, cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("failed to init mongo store: %w", err)
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			slog.Warn("Failed to ensure mongo indexes", "error", err)
		}
		slog.Info("Using MongoDB document store", "database", cfg.Mongo.Database, "collection", cfg.Mongo.Collection)
		return store, nil

	case config.DriverPostgres:
		if cfg.Postgres.AutoMigrate {
			if err := migrate(ctx, cfg.Postgres); err != nil {
				return nil, err
			}
		}
		store, err := postgres.NewRecordStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres store: %w", err)
		}
		slog.Info("Using PostgreSQL document store")
		return store, nil

	case config.DriverMemory:
		if mem == nil {
			mem = memory.NewMemoryStorage()
		}
		slog.Info("Using Memory document store")
		return memory.NewRecordRepo(mem), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// OpenSink connects the sink writer. The returned DB is nil for the memory
// driver.
func OpenSink(ctx context.Context, cfg config.SinkConfig, upsert bool, mem *memory.MemoryStorage) (storage.Sink, *postgres.DB, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init sink db: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		slog.Info("Using PostgreSQL sink", "table", cfg.Table, "upsert", upsert)
		return postgres.NewSinkRepo(db.DB, cfg.Table, upsert), db, nil

	case config.DriverMemory:
		if mem == nil {
			mem = memory.NewMemoryStorage()
		}
		slog.Info("Using Memory sink", "upsert", upsert)
		return memory.NewSinkRepo(mem, upsert), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown sink driver %q", cfg.Driver)
}

func migrate(ctx context.Context, cfg postgres.Config) error {
	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open db for migrations: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	return db.Migrate(ctx)
}
