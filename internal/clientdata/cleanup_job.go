package clientdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// sweepTimeout bounds one nightly sweep over every cache table.
const sweepTimeout = 2 * time.Minute

// Sweeper drops expired provider responses and reports per-table counts.
type Sweeper interface {
	DeleteAllExpired(ctx context.Context) (map[string]int64, error)
}

// CleanupJob drops cached provider responses past their expiry so profile and
// guidance lookups fall through to the provider again.
type CleanupJob struct {
	sweeper Sweeper
	log     zerolog.Logger
}

func NewCleanupJob(sweeper Sweeper, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		sweeper: sweeper,
		log:     log.With().Str("job", "client_data_cleanup").Logger(),
	}
}

// Run sweeps all tables. A partial sweep still logs what was removed before the failure.
func (j *CleanupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	removed, err := j.sweeper.DeleteAllExpired(ctx)

	summary := zerolog.Dict()
	var total int64
	for _, table := range AllTables {
		summary.Int64(table, removed[table])
		total += removed[table]
	}

	if err != nil {
		j.log.Error().Err(err).Dict("removed", summary).Msg("Provider cache sweep failed")
		return err
	}

	ev := j.log.Debug()
	if total > 0 {
		ev = j.log.Info()
	}
	ev.Int64("total", total).Dict("removed", summary).Msg("Provider cache sweep completed")
	return nil
}

func (j *CleanupJob) Name() string {
	return "client_data_cleanup"
}
