package di

import (
	"fmt"

	"github.com/aristath/earnings/internal/config"
	"github.com/aristath/earnings/internal/database"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens both SQLite databases, applies their schemas and opens the
// publish cache. On error everything opened so far is closed.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. earnings.db - earnings, market snapshots, guidance, provider response cache
	earningsDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(database.NameEarnings),
		Profile: database.ProfileStandard,
		Name:    database.NameEarnings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize earnings database: %w", err)
	}
	container.EarningsDB = earningsDB

	// 2. coordination.db - daily state and locks, fsync on every commit
	coordinationDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(database.NameCoordination),
		Profile: database.ProfileLedger,
		Name:    database.NameCoordination,
	})
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to initialize coordination database: %w", err)
	}
	container.CoordinationDB = coordinationDB

	for _, db := range []*database.DB{earningsDB, coordinationDB} {
		if err := db.Migrate(); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	// 3. badger - versioned publish cache
	cacheDB, err := publish.OpenBadger(publish.BadgerConfig{
		Dir:      cfg.CacheDir(),
		InMemory: cfg.Cache.InMemory,
	}, log)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to open publish cache: %w", err)
	}
	container.CacheDB = cacheDB

	log.Info().
		Str("data_dir", cfg.DataDir).
		Bool("cache_in_memory", cfg.Cache.InMemory).
		Msg("Databases initialized")

	return container, nil
}
