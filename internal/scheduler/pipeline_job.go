package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/earnings/internal/modules/pipeline"
	"github.com/rs/zerolog"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// TradingCalendar resolves which trading date a job targets.
type TradingCalendar interface {
	Today() string
	NextTradingDay(dateKey string) (string, error)
}

// PipelineJob runs the pipeline for one job kind.
type PipelineJob struct {
	runner   Runner
	calendar TradingCalendar
	kind     pipeline.Kind
	timeout  time.Duration
	log      zerolog.Logger
}

// PipelineJobConfig holds configuration for PipelineJob
type PipelineJobConfig struct {
	Runner   Runner
	Calendar TradingCalendar
	Kind     pipeline.Kind
	// Timeout bounds one run. It should be at least the kind's lock TTL.
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewPipelineJob creates a new PipelineJob
func NewPipelineJob(cfg PipelineJobConfig) *PipelineJob {
	return &PipelineJob{
		runner:   cfg.Runner,
		calendar: cfg.Calendar,
		kind:     cfg.Kind,
		timeout:  cfg.Timeout,
		log:      cfg.Log.With().Str("job", "pipeline_"+string(cfg.Kind)).Logger(),
	}
}

// Name returns the job name
func (j *PipelineJob) Name() string {
	return "pipeline_" + string(j.kind)
}

// Target returns the trading date the next run fetches. Weekend runs prefetch the next
// trading day, every other kind fetches today.
func (j *PipelineJob) Target() (string, error) {
	today := j.calendar.Today()
	if j.kind != pipeline.KindWeekend {
		return today, nil
	}
	next, err := j.calendar.NextTradingDay(today)
	if err != nil {
		return "", fmt.Errorf("failed to resolve next trading day: %w", err)
	}
	return next, nil
}

// Run executes one pipeline run
func (j *PipelineJob) Run() error {
	date, err := j.Target()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	res, err := j.runner.Run(ctx, pipeline.Request{Kind: j.kind, Date: date})
	if err != nil {
		return fmt.Errorf("pipeline %s for %s failed: %w", j.kind, date, err)
	}

	if res.Skipped != "" {
		j.log.Debug().
			Str("date", date).
			Str("reason", res.Skipped).
			Msg("Pipeline run skipped")
		return nil
	}

	j.log.Info().
		Str("date", date).
		Str("run_id", res.RunID).
		Int("count", res.Count).
		Bool("soft_empty", res.SoftEmpty).
		Uint64("version", res.Version).
		Dur("duration", res.Duration).
		Msg("Pipeline run completed")
	return nil
}
