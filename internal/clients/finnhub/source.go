package finnhub

import (
	"context"
	"time"

	"github.com/aristath/earnings/internal/clientdata"
	"github.com/aristath/earnings/internal/clients/provider"
	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
)

// Source adapts the client to the domain calendar and guidance provider contracts.
// Rows that fail normalization are dropped with a warning.
type Source struct {
	client *Client
	cache  provider.ResponseCache
	loc    *time.Location
	log    zerolog.Logger
	now    func() time.Time
}

// NewSource creates the adapter. loc is the exchange timezone.
func NewSource(client *Client, loc *time.Location, log zerolog.Logger) *Source {
	return &Source{
		client: client,
		loc:    loc,
		log:    log.With().Str("component", "finnhub_source").Logger(),
		now:    time.Now,
	}
}

// SetCache enables cache-first guidance lookups. The calendar is never cached.
func (s *Source) SetCache(cache provider.ResponseCache) {
	s.cache = cache
}

// Name implements domain.CalendarProvider.
func (s *Source) Name() string {
	return SourceName
}

// FetchCalendar implements domain.CalendarProvider.
func (s *Source) FetchCalendar(ctx context.Context, dateKey string) ([]domain.EarningsRecord, error) {
	entries, err := s.client.FetchCalendar(ctx, dateKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	records := make([]domain.EarningsRecord, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for _, entry := range entries {
		rec, err := Normalize(entry, s.loc, now)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", entry.Symbol).Msg("Dropping calendar row")
			continue
		}
		// The provider occasionally lists a ticker twice for the same date; keep the richer row.
		if i, ok := seen[rec.Ticker]; ok {
			records[i] = merge(records[i], rec)
			continue
		}
		seen[rec.Ticker] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

// FetchGuidance implements domain.GuidanceProvider.
func (s *Source) FetchGuidance(ctx context.Context, ticker string) ([]domain.GuidanceRecord, error) {
	entries, err := provider.CacheFirst(ctx, s.cache, s.log, clientdata.TableGuidance, ticker, clientdata.TTLGuidance,
		func(ctx context.Context) ([]GuidanceEntry, error) {
			return s.client.FetchGuidanceEntries(ctx, ticker)
		})
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]domain.GuidanceRecord, 0, len(entries))
	for _, entry := range entries {
		rec, err := NormalizeGuidance(ticker, entry, now)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("Dropping guidance submission")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func merge(a, b domain.EarningsRecord) domain.EarningsRecord {
	if a.EPSEstimate == nil {
		a.EPSEstimate = b.EPSEstimate
	}
	if a.EPSActual == nil {
		a.EPSActual = b.EPSActual
	}
	if a.RevenueEstimate == nil {
		a.RevenueEstimate = b.RevenueEstimate
	}
	if a.RevenueActual == nil {
		a.RevenueActual = b.RevenueActual
	}
	if a.ReportTime == domain.ReportUnknown {
		a.ReportTime = b.ReportTime
	}
	if a.FiscalPeriod == "" {
		a.FiscalPeriod, a.FiscalYear = b.FiscalPeriod, b.FiscalYear
	}
	return a
}
