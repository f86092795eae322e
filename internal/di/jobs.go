package di

import (
	"fmt"

	"github.com/aristath/earnings/internal/clientdata"
	"github.com/aristath/earnings/internal/config"
	"github.com/aristath/earnings/internal/modules/pipeline"
	"github.com/aristath/earnings/internal/scheduler"
	"github.com/rs/zerolog"
)

// clientDataCleanupSchedule runs after the nightly maintenance window.
const clientDataCleanupSchedule = "45 3 * * *"

// RegisterJobs creates the scheduler and registers every periodic job
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	container.Scheduler = scheduler.New(cfg.Location(), log)
	ttls := LockTTLs(cfg)

	pipelineJob := func(kind pipeline.Kind) *scheduler.PipelineJob {
		return scheduler.NewPipelineJob(scheduler.PipelineJobConfig{
			Runner:   container.Orchestrator,
			Calendar: container.Clock,
			Kind:     kind,
			Timeout:  ttls[kind],
			Log:      log,
		})
	}

	jobs := &JobInstances{
		Bootstrap:    pipelineJob(pipeline.KindBootstrap),
		IntradayFast: pipelineJob(pipeline.KindIntradayFast),
		IntradaySlow: pipelineJob(pipeline.KindIntradaySlow),
		Weekend:      pipelineJob(pipeline.KindWeekend),
		Maintenance: scheduler.NewMaintenanceJob(
			[]scheduler.Checkpointer{container.EarningsDB, container.CoordinationDB},
			container.Store,
			log,
		),
		ClientDataCleanup: clientdata.NewCleanupJob(container.ClientDataRepo, log),
	}

	registrations := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.Schedules.Bootstrap, jobs.Bootstrap},
		{cfg.Schedules.IntradayFast, jobs.IntradayFast},
		{cfg.Schedules.IntradaySlow, jobs.IntradaySlow},
		{cfg.Schedules.Weekend, jobs.Weekend},
		{cfg.Schedules.Maintenance, jobs.Maintenance},
		{clientDataCleanupSchedule, jobs.ClientDataCleanup},
	}
	for _, reg := range registrations {
		if err := container.Scheduler.AddJob(reg.schedule, reg.job); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", reg.job.Name(), err)
		}
	}

	container.Jobs = jobs
	return jobs, nil
}
