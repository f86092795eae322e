package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/guidance"
	"github.com/aristath/earnings/internal/modules/pricing"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// tickerData is everything the market stage gathered for one ticker.
type tickerData struct {
	quote    domain.Quote
	guidance []domain.GuidanceRecord
}

// fetchMarket fetches quotes and guidance per ticker in batches, with at most Concurrency
// tickers in flight. Per-ticker failures are recorded, never returned.
func (o *Orchestrator) fetchMarket(ctx context.Context, log zerolog.Logger, tickers []string) map[string]*tickerData {
	out := make(map[string]*tickerData, len(tickers))
	var mu sync.Mutex

	for start := 0; start < len(tickers); start += o.cfg.BatchSize {
		if start > 0 && o.cfg.BatchDelay > 0 {
			if err := o.sleep(ctx, o.cfg.BatchDelay); err != nil {
				log.Warn().Err(err).Int("fetched", start).Msg("Market stage interrupted")
				return out
			}
		}
		end := start + o.cfg.BatchSize
		if end > len(tickers) {
			end = len(tickers)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Concurrency)
		for _, ticker := range tickers[start:end] {
			g.Go(func() error {
				data := o.fetchTicker(gctx, log, ticker)
				mu.Lock()
				out[ticker] = data
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return out
}

func (o *Orchestrator) fetchTicker(ctx context.Context, log zerolog.Logger, ticker string) *tickerData {
	opts := domain.QuoteOptions{}
	missKey := publish.ProfileMissKey(ticker)
	if o.deps.Negative != nil {
		if _, err := o.deps.Negative.GetNegative(ctx, missKey); err == nil {
			opts.SkipProfile = true
		}
	}

	data := &tickerData{quote: o.deps.Market.FetchQuote(ctx, ticker, opts)}
	if data.quote.ProfileNotFound && o.deps.Negative != nil {
		marker := publish.Marker{Status: http.StatusNotFound, Message: "company profile not found"}
		if err := o.deps.Negative.SetNegative(ctx, missKey, marker, o.cfg.NegativeTTL); err != nil {
			log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to store negative marker")
		}
	}

	if o.deps.Guidance != nil {
		subs, err := o.deps.Guidance.FetchGuidance(ctx, ticker)
		if err != nil {
			log.Warn().Err(err).Str("ticker", ticker).Msg("Guidance fetch failed")
		} else {
			data.guidance = subs
		}
	}
	return data
}

// calculated holds the records a run will persist.
type calculated struct {
	earnings      []domain.EarningsRecord
	snapshots     []domain.MarketSnapshot
	guidance      []domain.GuidanceRecord
	priceFailures int
}

// calculate derives market snapshots and guidance surprises. A ticker missing either price
// gets no snapshot so earlier good figures are not overwritten. Guidance is measured against
// the reported quarter's estimate when it covers the same period.
//
// A ticker counts as a price failure when no price change could be derived.
func (o *Orchestrator) calculate(log zerolog.Logger, records []domain.EarningsRecord, market map[string]*tickerData) calculated {
	now := o.deps.Clock.Now().UTC()
	out := calculated{earnings: records}

	var subs []domain.GuidanceRecord
	estimates := make(map[string]domain.EarningsRecord, len(records))
	for _, rec := range records {
		estimates[rec.Ticker] = rec

		data, ok := market[rec.Ticker]
		if !ok {
			out.priceFailures++
			continue
		}
		subs = append(subs, data.guidance...)

		q := data.quote
		if q.CurrentPrice == nil || q.PreviousClose == nil {
			out.priceFailures++
			log.Warn().
				Str("ticker", rec.Ticker).
				Bool("last_trade", q.CurrentPrice != nil).
				Bool("previous_close", q.PreviousClose != nil).
				Msg("Incomplete price data, keeping previous snapshot")
			continue
		}

		in := pricing.Input{
			CurrentPrice:      q.CurrentPrice,
			PreviousClose:     q.PreviousClose,
			SharesOutstanding: q.SharesOutstanding,
			MarketCap:         q.MarketCap,
			Ticker:            rec.Ticker,
		}
		res := o.deps.Prices.Calculate(in)
		snap := domain.MarketSnapshot{
			LastUpdated: now,
			ReportDate:  rec.ReportDate,
			Ticker:      rec.Ticker,
			CompanyName: q.CompanyName,
			DataSource:  o.deps.Market.Name(),
		}
		pricing.Apply(&snap, in, res)
		if res.PriceChangePercent == nil {
			out.priceFailures++
			log.Warn().Str("ticker", rec.Ticker).Strs("violations", res.Warnings()).Msg("Price sanity check failed")
		} else if len(res.Violations) > 0 {
			log.Warn().Str("ticker", rec.Ticker).Strs("violations", res.Warnings()).Msg("Partial market data")
		}
		out.snapshots = append(out.snapshots, snap)
	}

	for _, g := range guidance.ReconcileAll(subs) {
		base := guidance.Baseline{}
		if rec, ok := estimates[g.Ticker]; ok {
			base = guidance.Baseline{
				Estimate: rec.EPSEstimate,
				Period:   domain.PeriodTag{Period: rec.FiscalPeriod, Year: rec.FiscalYear},
			}
		}
		res := o.deps.Surprises.Annotate(&g, base)
		if res.Percent == nil && res.Reason != "" {
			log.Debug().Str("ticker", g.Ticker).Str("period", g.Period().String()).Str("reason", res.Reason).Msg("No guidance surprise")
		}
		if res.Extreme {
			log.Warn().Str("ticker", g.Ticker).Float64("surprise_percent", *res.Percent).Msg("Extreme guidance surprise")
		}
		out.guidance = append(out.guidance, g)
	}
	return out
}

// persist upserts every record. The first failure aborts the run; rows already written
// stay and are rewritten by the next run.
func (o *Orchestrator) persist(ctx context.Context, batch calculated) error {
	for _, rec := range batch.earnings {
		if err := o.deps.Repo.UpsertEarnings(ctx, rec); err != nil {
			return fmt.Errorf("persist earnings %s: %w", rec.Ticker, err)
		}
	}
	for _, snap := range batch.snapshots {
		if err := o.deps.Repo.UpsertMarketSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("persist snapshot %s: %w", snap.Ticker, err)
		}
	}
	for _, g := range batch.guidance {
		if err := o.deps.Repo.UpsertGuidance(ctx, g); err != nil {
			return fmt.Errorf("persist guidance %s %s: %w", g.Ticker, g.Period(), err)
		}
	}
	return nil
}
