// Package pipeline runs one ingestion cycle: lock, reset gate, calendar fetch with soft
// confirmation, market data, calculators, persistence and publish, in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/dailystate"
	"github.com/aristath/earnings/internal/modules/guidance"
	"github.com/aristath/earnings/internal/modules/locking"
	"github.com/aristath/earnings/internal/modules/pricing"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Skip reasons reported on Result.Skipped.
const (
	SkipLockBusy     = "lock_busy"
	SkipResetPending = "reset_pending"
)

// Stage names one step of a run.
type Stage string

const (
	StageReset     Stage = "reset"
	StageCalendar  Stage = "calendar"
	StageMarket    Stage = "market"
	StageCalculate Stage = "calculate"
	StagePersist   Stage = "persist"
	StagePublish   Stage = "publish"
)

// Request selects the job kind and the trading date to fetch. An empty Date means today.
type Request struct {
	Kind Kind   `json:"kind"`
	Date string `json:"date"`
}

// Result summarizes a run. A skipped run has OK=false, Skipped set and a nil error.
type Result struct {
	StartedAt       time.Time        `json:"started_at"`
	RunID           string           `json:"run_id"`
	Kind            Kind             `json:"kind"`
	Date            string           `json:"date"`
	Skipped         string           `json:"skipped,omitempty"`
	Coverage        publish.Coverage `json:"coverage"`
	Duration        time.Duration    `json:"duration"`
	Version         uint64           `json:"version,omitempty"`
	Count           int              `json:"count"`
	Attempts        int              `json:"attempts"`
	Tickers         int              `json:"tickers"`
	PriceFailures   int              `json:"price_failures"`
	GuidanceRecords int              `json:"guidance_records"`
	OK              bool             `json:"ok"`
	SoftEmpty       bool             `json:"soft_empty"`
}

// Config tunes the orchestrator.
type Config struct {
	LockTTLs map[Kind]time.Duration
	Retry    RetryPolicy

	// Market stage: at most Concurrency tickers in flight, BatchSize tickers per batch,
	// BatchDelay pause between batches.
	Concurrency int
	BatchSize   int
	BatchDelay  time.Duration

	// NegativeTTL is how long a profile 404 suppresses further profile lookups.
	NegativeTTL time.Duration

	// Window kept by the daily reset, in days around today.
	LookbackDays  int
	LookaheadDays int

	// StateRetentionDays of daily_state rows survive the reset.
	StateRetentionDays int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTLs:           DefaultLockTTLs(),
		Retry:              DefaultRetryPolicy(),
		Concurrency:        4,
		BatchSize:          20,
		BatchDelay:         time.Second,
		NegativeTTL:        6 * time.Hour,
		LookbackDays:       7,
		LookaheadDays:      14,
		StateRetentionDays: 30,
	}
}

// Deps are the collaborators of an orchestrator. Guidance, Negative and Archiver are
// optional.
type Deps struct {
	Calendar  domain.CalendarProvider
	Market    domain.MarketDataProvider
	Guidance  domain.GuidanceProvider
	Locks     Locker
	States    StateMachine
	Repo      Repository
	Publisher Publisher
	Negative  NegativeCache
	Archiver  Archiver
	Clock     Clock
	Prices    *pricing.Calculator
	Surprises *guidance.Calculator
}

// Orchestrator drives pipeline runs. It is safe to call Run concurrently; runs of the
// same kind and date exclude each other through the lock manager.
type Orchestrator struct {
	deps  Deps
	cfg   Config
	log   zerolog.Logger
	sleep Sleeper
	hook  func(Stage)
}

// NewOrchestrator validates deps and fills config defaults.
func NewOrchestrator(deps Deps, cfg Config, log zerolog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Calendar == nil:
		return nil, errors.New("calendar provider is required")
	case deps.Market == nil:
		return nil, errors.New("market data provider is required")
	case deps.Locks == nil, deps.States == nil:
		return nil, errors.New("lock manager and state machine are required")
	case deps.Repo == nil, deps.Publisher == nil:
		return nil, errors.New("repository and publisher are required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Prices == nil {
		deps.Prices = pricing.NewCalculator(pricing.DefaultThresholds())
	}
	if deps.Surprises == nil {
		deps.Surprises = guidance.NewCalculator(guidance.DefaultMaxSurprisePercent, guidance.DefaultEpsilon)
	}

	def := DefaultConfig()
	if cfg.LockTTLs == nil {
		cfg.LockTTLs = def.LockTTLs
	}
	if cfg.Retry.Delays == nil {
		cfg.Retry.Delays = def.Retry.Delays
	}
	if cfg.Retry.QuietPeriod <= 0 {
		cfg.Retry.QuietPeriod = def.Retry.QuietPeriod
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = def.NegativeTTL
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = def.LookaheadDays
	}
	if cfg.StateRetentionDays <= 0 {
		cfg.StateRetentionDays = def.StateRetentionDays
	}

	return &Orchestrator{
		deps:  deps,
		cfg:   cfg,
		log:   log.With().Str("component", "orchestrator").Logger(),
		sleep: SleepContext,
	}, nil
}

// SetSleeper replaces the wait used between retries and batches.
func (o *Orchestrator) SetSleeper(s Sleeper) {
	o.sleep = s
}

// RetryPolicy returns the soft-confirmation policy in effect.
func (o *Orchestrator) RetryPolicy() RetryPolicy {
	return o.cfg.Retry
}

func (o *Orchestrator) enter(log zerolog.Logger, s Stage) {
	log.Debug().Str("stage", string(s)).Msg("Entering stage")
	if o.hook != nil {
		o.hook(s)
	}
}

// Run executes one pipeline cycle.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	today := o.deps.Clock.Today()
	date := req.Date
	if date == "" {
		date = today
	}
	if _, err := domain.ParseDateKey(date); err != nil {
		return nil, err
	}

	started := time.Now()
	res := &Result{
		StartedAt: o.deps.Clock.Now(),
		RunID:     uuid.NewString(),
		Kind:      req.Kind,
		Date:      date,
	}
	log := o.log.With().Str("run_id", res.RunID).Str("kind", string(req.Kind)).Str("date", date).Logger()
	defer func() { res.Duration = time.Since(started) }()

	ttl := o.cfg.LockTTLs[req.Kind]
	if ttl <= 0 {
		ttl = DefaultLockTTLs()[req.Kind]
	}
	lockName := locking.Name(string(req.Kind), date)
	if !o.deps.Locks.Acquire(ctx, lockName, ttl) {
		log.Debug().Str("lock", lockName).Msg("Lock busy, skipping run")
		res.Skipped = SkipLockBusy
		return res, nil
	}
	defer o.deps.Locks.Release(context.WithoutCancel(ctx), lockName)

	if req.Kind == KindBootstrap {
		if !o.deps.States.IsResetCompleted(ctx, today) {
			o.enter(log, StageReset)
			if err := o.reset(ctx, log, today); err != nil {
				return res, err
			}
		}
	} else if !o.deps.States.IsResetCompleted(ctx, today) {
		log.Info().Msg("Daily reset not completed, skipping run")
		res.Skipped = SkipResetPending
		return res, nil
	}

	o.enter(log, StageCalendar)
	records, attempts, err := o.fetchCalendar(ctx, log, date, ttl)
	res.Attempts = attempts
	if err != nil {
		return res, fmt.Errorf("calendar fetch for %s failed: %w", date, err)
	}
	res.Count = len(records)
	res.SoftEmpty = len(records) == 0
	if err := o.deps.States.RecordAttempt(ctx, date, res.Count, o.dayIsEmpty(ctx, log, date, res.SoftEmpty)); err != nil {
		log.Warn().Err(err).Msg("Failed to record fetch attempt")
	}

	tickers := distinctTickers(records)
	res.Tickers = len(tickers)

	o.enter(log, StageMarket)
	market := o.fetchMarket(ctx, log, tickers)

	o.enter(log, StageCalculate)
	batch := o.calculate(log, records, market)
	res.PriceFailures = batch.priceFailures
	res.GuidanceRecords = len(batch.guidance)

	o.enter(log, StagePersist)
	if err := o.persist(ctx, batch); err != nil {
		return res, err
	}
	if req.Kind == KindBootstrap && date == today {
		if err := o.deps.States.SetState(ctx, today, domain.StateFetchDone); err != nil {
			log.Warn().Err(err).Msg("Failed to mark fetch done")
		}
	}

	o.enter(log, StagePublish)
	rows, err := o.deps.Repo.ListByDate(ctx, date)
	if err != nil {
		return res, fmt.Errorf("failed to load rows for publish: %w", err)
	}
	snap := publish.Snapshot{
		LastAttemptAt: o.deps.Clock.Now(),
		Date:          date,
		Rows:          rows,
		Coverage:      publish.ComputeCoverage(rows),
		SoftEmpty:     res.SoftEmpty && len(rows) == 0,
	}
	version, err := o.deps.Publisher.Publish(ctx, snap)
	if err != nil {
		return res, fmt.Errorf("failed to publish %s: %w", date, err)
	}
	res.Version = version
	res.Coverage = snap.Coverage

	if o.deps.Archiver != nil {
		if err := o.deps.Archiver.Archive(ctx, snap, version); err != nil {
			log.Warn().Err(err).Uint64("version", version).Msg("Snapshot archive failed")
		}
	}

	res.OK = true
	log.Info().
		Int("count", res.Count).
		Int("attempts", res.Attempts).
		Int("price_failures", res.PriceFailures).
		Int("guidance", res.GuidanceRecords).
		Bool("soft_empty", res.SoftEmpty).
		Uint64("version", version).
		Msg("Pipeline run completed")
	return res, nil
}

// dayIsEmpty reports whether an empty fetch leaves the day with nothing stored. Rows kept
// from an earlier run mean the day is not soft-empty.
func (o *Orchestrator) dayIsEmpty(ctx context.Context, log zerolog.Logger, date string, fetchedNothing bool) bool {
	if !fetchedNothing {
		return false
	}
	rows, err := o.deps.Repo.ListByDate(ctx, date)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check stored rows")
		return true
	}
	return len(rows) == 0
}

// reset retires data outside the rolling window and marks the day RESET_DONE.
func (o *Orchestrator) reset(ctx context.Context, log zerolog.Logger, today string) error {
	day, err := domain.ParseDateKey(today)
	if err != nil {
		return err
	}
	from := day.AddDate(0, 0, -o.cfg.LookbackDays).Format(domain.DateLayout)
	to := day.AddDate(0, 0, o.cfg.LookaheadDays).Format(domain.DateLayout)

	purged, err := o.deps.Repo.PurgeOutsideWindow(ctx, from, to)
	if err != nil {
		return fmt.Errorf("reset purge failed: %w", err)
	}
	states, err := o.deps.States.PurgeBefore(ctx, day.AddDate(0, 0, -o.cfg.StateRetentionDays).Format(domain.DateLayout))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to purge old daily states")
	}

	if o.deps.Negative != nil {
		expired := day.AddDate(0, 0, -o.cfg.LookbackDays-1).Format(domain.DateLayout)
		for _, pattern := range []string{publish.SnapshotKey(expired), publish.ProfileMissKey("*")} {
			if _, err := o.deps.Negative.ClearNamespace(ctx, pattern); err != nil {
				log.Warn().Err(err).Str("pattern", pattern).Msg("Failed to clear cache namespace")
			}
		}
	}

	if err := o.deps.States.SetState(ctx, today, domain.StateResetDone); err != nil && !errors.Is(err, dailystate.ErrStateRegression) {
		return fmt.Errorf("failed to mark reset done: %w", err)
	}
	log.Info().
		Int64("purged_rows", purged).
		Int64("purged_states", states).
		Str("window_from", from).
		Str("window_to", to).
		Msg("Daily reset completed")
	return nil
}

// fetchCalendar applies soft confirmation: an empty answer is refetched after each delay
// that still fits inside the lock TTL. Errors end the run immediately.
func (o *Orchestrator) fetchCalendar(ctx context.Context, log zerolog.Logger, date string, ttl time.Duration) ([]domain.EarningsRecord, int, error) {
	var waited time.Duration
	attempts := 0
	for {
		attempts++
		records, err := o.deps.Calendar.FetchCalendar(ctx, date)
		if err != nil {
			return nil, attempts, err
		}
		if len(records) > 0 {
			return records, attempts, nil
		}
		if attempts > len(o.cfg.Retry.Delays) {
			break
		}
		delay := o.cfg.Retry.Delays[attempts-1]
		if waited+delay >= ttl {
			log.Debug().Dur("delay", delay).Msg("Retry would outlive the lock, not waiting")
			break
		}
		log.Info().Int("attempt", attempts).Dur("delay", delay).Msg("Calendar empty, retrying later")
		if err := o.sleep(ctx, delay); err != nil {
			return nil, attempts, err
		}
		waited += delay
	}
	log.Info().Int("attempts", attempts).Msg("Calendar still empty, marking soft-empty")
	return []domain.EarningsRecord{}, attempts, nil
}

func distinctTickers(records []domain.EarningsRecord) []string {
	seen := make(map[string]bool, len(records))
	out := make([]string, 0, len(records))
	for _, r := range records {
		if !seen[r.Ticker] {
			seen[r.Ticker] = true
			out = append(out, r.Ticker)
		}
	}
	sort.Strings(out)
	return out
}
