package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/earnings/internal/clients/provider"
	"github.com/aristath/earnings/internal/database"
	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/dailystate"
	"github.com/aristath/earnings/internal/modules/earnings"
	"github.com/aristath/earnings/internal/modules/locking"
	"github.com/aristath/earnings/internal/modules/market_hours"
	"github.com/aristath/earnings/internal/modules/publish"
	testhelpers "github.com/aristath/earnings/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch      *Orchestrator
	calendar  *testhelpers.MockCalendarProvider
	market    *testhelpers.MockMarketDataProvider
	guidance  *testhelpers.MockGuidanceProvider
	states    *dailystate.Machine
	locks     *locking.Manager
	repo      *earnings.Repository
	publisher *publish.Publisher
	store     *publish.Store
	coordDB   *database.DB

	mu     sync.Mutex
	sleeps []time.Duration
	stages []Stage
}

func newHarness(t *testing.T, cfg Config, responses ...testhelpers.CalendarResponse) *harness {
	t.Helper()
	log := zerolog.Nop()
	loc := testhelpers.NewYork()

	edb, cleanupE := testhelpers.NewTestDB(t, database.NameEarnings)
	t.Cleanup(cleanupE)
	cdb, cleanupC := testhelpers.NewTestDB(t, database.NameCoordination)
	t.Cleanup(cleanupC)

	bdb, err := publish.OpenBadger(publish.BadgerConfig{InMemory: true}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	// Tuesday 2025-09-09 10:00 New York
	now := time.Date(2025, 9, 9, 10, 0, 0, 0, loc)
	clock := market_hours.NewClock(loc, func() time.Time { return now })

	h := &harness{
		calendar: testhelpers.NewMockCalendarProvider(responses...),
		market:   testhelpers.NewMockMarketDataProvider(),
		guidance: testhelpers.NewMockGuidanceProvider(),
		states:   dailystate.NewMachine(cdb.Conn(), log),
		locks:    locking.NewManager(cdb.Conn(), log),
		repo:     earnings.NewRepository(edb.Conn(), loc, log),
		coordDB:  cdb,
	}
	h.store = publish.NewStore(bdb, publish.StoreOptions{}, log)
	h.publisher = publish.NewPublisher(h.store, 0, log)
	for _, ticker := range []string{"AAPL", "MSFT", "NVDA"} {
		h.market.SetQuote(testhelpers.NewQuoteFixture(ticker))
	}

	h.orch, err = NewOrchestrator(Deps{
		Calendar:  h.calendar,
		Market:    h.market,
		Guidance:  h.guidance,
		Locks:     h.locks,
		States:    h.states,
		Repo:      h.repo,
		Publisher: h.publisher,
		Negative:  h.store,
		Clock:     clock,
	}, cfg, log)
	require.NoError(t, err)

	h.orch.SetSleeper(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	})
	h.orch.hook = func(s Stage) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stages = append(h.stages, s)
	}
	return h
}

func fixtures() testhelpers.CalendarResponse {
	return testhelpers.CalendarResponse{Records: testhelpers.NewEarningsFixtures(testhelpers.FixtureDate)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BatchDelay = time.Millisecond
	return cfg
}

func TestRun_BootstrapEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	h.guidance.Add(testhelpers.NewGuidanceFixture("AAPL"))
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, testhelpers.FixtureDate, res.Date)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 3, res.Tickers)
	assert.Zero(t, res.PriceFailures)
	assert.Equal(t, 1, res.GuidanceRecords)
	assert.False(t, res.SoftEmpty)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, publish.Coverage{Schedule: 1, Price: 1, EPSRev: 1}, res.Coverage)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []Stage{StageReset, StageCalendar, StageMarket, StageCalculate, StagePersist, StagePublish}, h.stages)
	// Two batches of two and one.
	assert.Equal(t, []time.Duration{time.Millisecond}, h.sleeps)

	assert.Equal(t, domain.StateFetchDone, h.states.GetState(ctx, testhelpers.FixtureDate))

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	require.Len(t, pub.Data, 3)
	assert.Equal(t, publish.FreshnessFresh, pub.Freshness)

	aapl := pub.Data[0]
	assert.Equal(t, "AAPL", aapl.Earnings.Ticker)
	require.NotNil(t, aapl.Market)
	require.NotNil(t, aapl.Market.PriceChangePercent)
	assert.InDelta(t, 1.1785, *aapl.Market.PriceChangePercent, 1e-3)
	require.NotNil(t, aapl.Market.SizeClass)
	assert.Equal(t, domain.SizeMega, *aapl.Market.SizeClass)
	require.NotNil(t, aapl.Guidance)
	require.NotNil(t, aapl.Guidance.SurprisePercent)
	assert.InDelta(t, 10.0, *aapl.Guidance.SurprisePercent, 1e-9)
	assert.Equal(t, domain.BasisEstimate, aapl.Guidance.SurpriseBasis)

	// The lock is released at the end of the run.
	_, err = h.locks.Inspect(ctx, locking.Name(string(KindBootstrap), testhelpers.FixtureDate))
	assert.ErrorIs(t, err, locking.ErrNotFound)
}

func TestRun_IntradaySkipsUntilReset(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Request{Kind: KindIntradayFast})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, SkipResetPending, res.Skipped)
	assert.Empty(t, h.calendar.Calls())

	_, err = h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	res, err = h.orch.Run(ctx, Request{Kind: KindIntradayFast})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(2), res.Version)
}

func TestRun_LockBusy(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	other := locking.NewManager(h.coordDB.Conn(), zerolog.Nop())
	require.True(t, other.Acquire(ctx, locking.Name(string(KindBootstrap), testhelpers.FixtureDate), time.Hour))

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.Equal(t, SkipLockBusy, res.Skipped)
	assert.False(t, res.OK)
	assert.Empty(t, h.calendar.Calls())
	assert.Empty(t, h.stages)
}

func TestRun_SoftEmptyAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Delays = []time.Duration{10 * time.Minute, 15 * time.Minute}
	h := newHarness(t, cfg, testhelpers.CalendarResponse{})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Zero(t, res.Count)
	assert.True(t, res.SoftEmpty)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, h.calendar.Calls(), 3)
	assert.Equal(t, []time.Duration{10 * time.Minute, 15 * time.Minute}, h.sleeps)

	st, err := h.states.Get(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	assert.True(t, st.SoftEmpty)
	assert.Zero(t, st.LastCount)
	assert.NotNil(t, st.LastAttemptAt)

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	assert.True(t, pub.SoftEmpty)
	assert.Empty(t, pub.Data)
}

func TestRun_DataArrivesOnRetry(t *testing.T) {
	h := newHarness(t, testConfig(), testhelpers.CalendarResponse{}, fixtures())

	res, err := h.orch.Run(context.Background(), Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.SoftEmpty)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Minute, time.Millisecond}, h.sleeps)
}

func TestRun_ShortLockDoesNotWait(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()
	_, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	h.calendar = testhelpers.NewMockCalendarProvider(testhelpers.CalendarResponse{})
	h.orch.deps.Calendar = h.calendar
	h.sleeps = nil

	res, err := h.orch.Run(ctx, Request{Kind: KindIntradayFast, Date: "2025-09-10"})
	require.NoError(t, err)
	assert.True(t, res.SoftEmpty)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, h.sleeps)
}

func TestRun_CalendarErrorWritesNothing(t *testing.T) {
	h := newHarness(t, testConfig(), testhelpers.CalendarResponse{
		Err: &provider.RateLimitError{Provider: "finnhub", RetryAfter: time.Minute},
	})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.Error(t, err)
	var rl *provider.RateLimitError
	assert.True(t, errors.As(err, &rl))
	assert.False(t, res.OK)

	rows, err := h.repo.ListByDate(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	assert.ErrorIs(t, err, publish.ErrNotPublished)

	// Reset happened, fetch did not.
	assert.Equal(t, domain.StateResetDone, h.states.GetState(ctx, testhelpers.FixtureDate))
}

func TestRun_PartialMarketFailure(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	_, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	// MSFT loses its prices on the next run; its stored snapshot must survive.
	h.market.SetQuote(domain.Quote{Ticker: "MSFT", Errors: map[string]error{
		domain.QuoteLastTrade:     errors.New("timeout"),
		domain.QuotePreviousClose: errors.New("timeout"),
	}})
	res, err := h.orch.Run(ctx, Request{Kind: KindManual})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.PriceFailures)

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	require.Len(t, pub.Data, 3)
	msft := pub.Data[1]
	assert.Equal(t, "MSFT", msft.Earnings.Ticker)
	require.NotNil(t, msft.Market)
	require.NotNil(t, msft.Market.CurrentPrice)
	assert.Equal(t, 150.25, *msft.Market.CurrentPrice)
}

func TestRun_InvalidPriceKeepsRecord(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	q := testhelpers.NewQuoteFixture("NVDA")
	q.CurrentPrice = domain.Float(400) // +169% against 148.50
	h.market.SetQuote(q)

	res, err := h.orch.Run(context.Background(), Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PriceFailures)

	pub, err := h.publisher.GetPublished(context.Background(), testhelpers.FixtureDate)
	require.NoError(t, err)
	nvda := pub.Data[2]
	require.NotNil(t, nvda.Market)
	assert.False(t, nvda.Market.Valid)
	assert.Nil(t, nvda.Market.PriceChangePercent)
	assert.NotEmpty(t, nvda.Market.Warnings)
	assert.Equal(t, publish.FreshnessPartial, pub.Freshness)
}

func TestRun_ProfileNotFoundIsNegativelyCached(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	q := testhelpers.NewQuoteFixture("NVDA")
	q.SharesOutstanding = nil
	q.ProfileNotFound = true
	q.Errors = map[string]error{domain.QuoteProfile: &provider.APIError{Provider: "polygon", StatusCode: 404}}
	h.market.SetQuote(q)

	_, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.Empty(t, h.market.SkippedProfiles())

	marker, err := h.store.GetNegative(ctx, publish.ProfileMissKey("NVDA"))
	require.NoError(t, err)
	assert.Equal(t, 404, marker.Status)

	_, err = h.orch.Run(ctx, Request{Kind: KindIntradaySlow})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, h.market.SkippedProfiles())
}

func TestRun_GuidanceFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	h.guidance.SetError(&provider.TimeoutError{Provider: "finnhub", Endpoint: "/stock/guidance"})

	res, err := h.orch.Run(context.Background(), Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.GuidanceRecords)
}

func TestRun_ConcurrentRunsOfSameKind(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()
	_, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Run(ctx, Request{Kind: KindIntradaySlow})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	var ran int
	for _, res := range results {
		if res.OK {
			ran++
		} else {
			assert.Equal(t, SkipLockBusy, res.Skipped)
		}
	}
	assert.GreaterOrEqual(t, ran, 1)
}

func TestRun_RejectsBadRequest(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())

	_, err := h.orch.Run(context.Background(), Request{Kind: "hourly"})
	assert.Error(t, err)
	_, err = h.orch.Run(context.Background(), Request{Kind: KindManual, Date: "09/09/2025"})
	assert.Error(t, err)
}

func TestNewOrchestrator_RequiresDeps(t *testing.T) {
	_, err := NewOrchestrator(Deps{}, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRun_LastTradeFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	_, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)

	q := testhelpers.NewQuoteFixture("MSFT")
	q.CurrentPrice = nil
	q.Errors = map[string]error{domain.QuoteLastTrade: errors.New("timeout")}
	h.market.SetQuote(q)

	res, err := h.orch.Run(ctx, Request{Kind: KindIntradaySlow})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.PriceFailures)

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	msft := pub.Data[1]
	assert.Equal(t, "MSFT", msft.Earnings.Ticker)
	require.NotNil(t, msft.Market)
	require.NotNil(t, msft.Market.CurrentPrice)
	assert.Equal(t, 150.25, *msft.Market.CurrentPrice)
	require.NotNil(t, msft.Market.PriceChangePercent)
	assert.InDelta(t, 1.1785, *msft.Market.PriceChangePercent, 1e-3)
	assert.NotNil(t, msft.Market.MarketCap)
	assert.True(t, msft.Market.Valid)
}

func TestRun_ForwardGuidanceIsMeasuredAndPublished(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	next := testhelpers.NewGuidanceFixture("AAPL")
	next.FiscalPeriod = domain.PeriodQ1
	next.FiscalYear = 2026
	next.EstimatedEPSGuidance = domain.Float(1.80)
	next.EPSEstimate = domain.Float(1.60)
	h.guidance.Add(next)

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.GuidanceRecords)

	stored, err := h.repo.GetGuidance(ctx, "AAPL", domain.PeriodTag{Period: domain.PeriodQ1, Year: 2026})
	require.NoError(t, err)
	require.NotNil(t, stored.SurprisePercent)
	assert.InDelta(t, 12.5, *stored.SurprisePercent, 1e-9)
	assert.Equal(t, domain.BasisEstimate, stored.SurpriseBasis)

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	aapl := pub.Data[0]
	require.NotNil(t, aapl.Guidance)
	assert.Equal(t, domain.PeriodTag{Period: domain.PeriodQ1, Year: 2026}, aapl.Guidance.Period())
}

func TestRun_MissingSharesUsesReportedMarketCap(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	q := testhelpers.NewQuoteFixture("NVDA")
	q.SharesOutstanding = nil
	q.MarketCap = domain.Float(4e12)
	h.market.SetQuote(q)

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.Zero(t, res.PriceFailures)
	assert.Equal(t, publish.Coverage{Schedule: 1, Price: 1, EPSRev: 1}, res.Coverage)

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	assert.Equal(t, publish.FreshnessFresh, pub.Freshness)

	nvda := pub.Data[2]
	require.NotNil(t, nvda.Market)
	require.NotNil(t, nvda.Market.PriceChangePercent)
	assert.InDelta(t, 1.1785, *nvda.Market.PriceChangePercent, 1e-3)
	require.NotNil(t, nvda.Market.MarketCap)
	assert.Equal(t, int64(4e12), *nvda.Market.MarketCap)
	require.NotNil(t, nvda.Market.SizeClass)
	assert.Equal(t, domain.SizeMega, *nvda.Market.SizeClass)
}

func TestRun_IntradayNeedsOnlyReset(t *testing.T) {
	h := newHarness(t, testConfig(), fixtures())
	ctx := context.Background()

	// Reset done by a bootstrap that has not finished fetching yet.
	require.NoError(t, h.states.SetState(ctx, testhelpers.FixtureDate, domain.StateResetDone))

	res, err := h.orch.Run(ctx, Request{Kind: KindIntradayFast})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, domain.StateResetDone, h.states.GetState(ctx, testhelpers.FixtureDate), "only bootstrap marks the fetch done")
}

func TestRun_ZeroRowRefetchKeepsStoredActuals(t *testing.T) {
	rec := testhelpers.NewEarningsFixture("AAPL", testhelpers.FixtureDate)
	rec.EPSEstimate = domain.Float(1.50)
	rec.EPSActual = domain.Float(1.52)
	h := newHarness(t, testConfig(),
		testhelpers.CalendarResponse{Records: []domain.EarningsRecord{rec}},
		testhelpers.CalendarResponse{},
	)
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Request{Kind: KindBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = h.orch.Run(ctx, Request{Kind: KindIntradaySlow})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.Count)
	assert.True(t, res.SoftEmpty)

	stored, err := h.repo.GetEarnings(ctx, "AAPL", testhelpers.FixtureDate)
	require.NoError(t, err)
	require.NotNil(t, stored.EPSActual)
	assert.Equal(t, 1.52, *stored.EPSActual)

	pub, err := h.publisher.GetPublished(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	require.Len(t, pub.Data, 1)
	assert.False(t, pub.SoftEmpty)
	require.NotNil(t, pub.Data[0].Earnings.EPSActual)
	assert.Equal(t, 1.52, *pub.Data[0].Earnings.EPSActual)

	st, err := h.states.Get(ctx, testhelpers.FixtureDate)
	require.NoError(t, err)
	assert.Zero(t, st.LastCount)
	assert.False(t, st.SoftEmpty, "stored rows mean the day is not empty")
}
