package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Checkpointer is a database that can truncate its write-ahead log.
type Checkpointer interface {
	Name() string
	WALCheckpoint(ctx context.Context, mode string) error
}

// GarbageCollector reclaims space in the publish cache.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// MaintenanceJob checkpoints SQLite WAL files and garbage-collects the publish cache.
type MaintenanceJob struct {
	log          zerolog.Logger
	databases    []Checkpointer
	cache        GarbageCollector
	discardRatio float64
	timeout      time.Duration
}

// NewMaintenanceJob creates a new MaintenanceJob. cache may be nil.
func NewMaintenanceJob(databases []Checkpointer, cache GarbageCollector, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		log:          log.With().Str("job", "maintenance").Logger(),
		databases:    databases,
		cache:        cache,
		discardRatio: 0.5,
		timeout:      5 * time.Minute,
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes the maintenance job. Individual failures are logged and do not stop the
// remaining steps.
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	checkedCount := 0
	for _, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint(ctx, "TRUNCATE"); err != nil {
			j.log.Warn().
				Err(err).
				Str("database", db.Name()).
				Msg("Failed to checkpoint WAL")
			continue
		}
		checkedCount++
	}

	if j.cache != nil {
		start := time.Now()
		if err := j.cache.RunGC(j.discardRatio); err != nil {
			j.log.Warn().Err(err).Msg("Publish cache GC failed")
		} else {
			j.log.Debug().Dur("duration", time.Since(start)).Msg("Publish cache GC completed")
		}
	}

	j.log.Info().
		Int("checkpointed", checkedCount).
		Msg("Maintenance completed")

	return nil
}
