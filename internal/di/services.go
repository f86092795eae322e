package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/earnings/internal/clientdata"
	"github.com/aristath/earnings/internal/clients/finnhub"
	"github.com/aristath/earnings/internal/clients/polygon"
	"github.com/aristath/earnings/internal/clients/provider"
	"github.com/aristath/earnings/internal/config"
	"github.com/aristath/earnings/internal/modules/dailystate"
	"github.com/aristath/earnings/internal/modules/earnings"
	"github.com/aristath/earnings/internal/modules/guidance"
	"github.com/aristath/earnings/internal/modules/locking"
	"github.com/aristath/earnings/internal/modules/market_hours"
	"github.com/aristath/earnings/internal/modules/pipeline"
	"github.com/aristath/earnings/internal/modules/pricing"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/aristath/earnings/internal/reliability"
	"github.com/rs/zerolog"
)

// InitializeServices builds repositories, clients, calculators, coordination and the
// orchestrator on top of the opened databases.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	loc := cfg.Location()
	container.Clock = market_hours.NewClock(loc, nil)

	// Repositories
	container.EarningsRepo = earnings.NewRepository(container.EarningsDB.Conn(), loc, log)
	container.ClientDataRepo = clientdata.NewRepository(container.EarningsDB.Conn())

	// Clients, with cache-first lookups for slow-moving provider data
	container.FinnhubClient = finnhub.NewClient(provider.Options{
		BaseURL:       cfg.Providers.Calendar.BaseURL,
		APIKey:        cfg.Providers.Calendar.APIKey,
		Timeout:       cfg.Providers.Calendar.Timeout,
		RatePerSecond: cfg.Providers.Calendar.RatePerSecond,
	}, log)
	container.Calendar = finnhub.NewSource(container.FinnhubClient, loc, log)
	container.Calendar.SetCache(container.ClientDataRepo)

	container.PolygonClient = polygon.NewClient(provider.Options{
		BaseURL:       cfg.Providers.Market.BaseURL,
		APIKey:        cfg.Providers.Market.APIKey,
		Timeout:       cfg.Providers.Market.Timeout,
		RatePerSecond: cfg.Providers.Market.RatePerSecond,
		Burst:         cfg.Providers.Market.Concurrency,
	}, log)
	container.PolygonClient.SetCache(container.ClientDataRepo)

	// Calculators
	container.PriceCalculator = pricing.NewCalculator(pricing.Thresholds{
		MaxPrice:         cfg.Thresholds.MaxPrice,
		MaxShares:        cfg.Thresholds.MaxShares,
		MaxChangePercent: cfg.Thresholds.MaxChangePercent,
	})
	container.GuidanceCalculator = guidance.NewCalculator(cfg.Thresholds.MaxSurprisePercent, cfg.Thresholds.SurpriseEpsilon)

	// Coordination
	container.StateMachine = dailystate.NewMachine(container.CoordinationDB.Conn(), log)
	container.LockManager = locking.NewManager(container.CoordinationDB.Conn(), log)

	// Publishing
	retry := pipeline.RetryPolicy{
		Delays:            cfg.Retry.Delays,
		QuietPeriod:       cfg.Retry.NoEarningsQuietPeriod,
		NextDayCutoffHour: cfg.Retry.NextDayCutoffHour,
	}
	container.Store = publish.NewStore(container.CacheDB, publish.StoreOptions{
		RetainVersions: cfg.Cache.RetainVersions,
	}, log)
	container.Publisher = publish.NewPublisher(container.Store, cfg.Cache.StaleAfter, log)
	container.Publisher.SetNoEarningsRule(func(now time.Time, dateKey string, lastAttempt time.Time) bool {
		return retry.CanDeclareNoEarnings(now, dateKey, lastAttempt, loc)
	})

	deps := pipeline.Deps{
		Calendar:  container.Calendar,
		Market:    container.PolygonClient,
		Guidance:  container.Calendar,
		Locks:     container.LockManager,
		States:    container.StateMachine,
		Repo:      container.EarningsRepo,
		Publisher: container.Publisher,
		Negative:  container.Store,
		Clock:     container.Clock,
		Prices:    container.PriceCalculator,
		Surprises: container.GuidanceCalculator,
	}

	if cfg.Archive.Enabled() {
		archiver, err := reliability.NewS3Archiver(context.Background(), reliability.S3Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Prefix:    cfg.Archive.Prefix,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot archive: %w", err)
		}
		container.Archiver = archiver
		deps.Archiver = archiver
	}

	orch, err := pipeline.NewOrchestrator(deps, pipeline.Config{
		LockTTLs:           LockTTLs(cfg),
		Retry:              retry,
		Concurrency:        cfg.Providers.Market.Concurrency,
		BatchSize:          cfg.Providers.Market.BatchSize,
		BatchDelay:         cfg.Providers.Market.BatchDelay,
		NegativeTTL:        cfg.Cache.NegativeTTL,
		LookbackDays:       cfg.Window.LookbackDays,
		LookaheadDays:      cfg.Window.LookaheadDays,
		StateRetentionDays: cfg.Window.StateRetentionDays,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	container.Orchestrator = orch

	log.Info().
		Str("timezone", loc.String()).
		Bool("archive", container.Archiver != nil).
		Msg("Services initialized")
	return nil
}

// LockTTLs maps configured lock lifetimes onto job kinds.
func LockTTLs(cfg *config.Config) map[pipeline.Kind]time.Duration {
	return map[pipeline.Kind]time.Duration{
		pipeline.KindBootstrap:    cfg.Locks.BootstrapTTL,
		pipeline.KindIntradayFast: cfg.Locks.IntradayFastTTL,
		pipeline.KindIntradaySlow: cfg.Locks.IntradaySlowTTL,
		pipeline.KindWeekend:      cfg.Locks.WeekendTTL,
		pipeline.KindManual:       cfg.Locks.ManualTTL,
	}
}
