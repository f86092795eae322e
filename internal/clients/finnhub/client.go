// Package finnhub is the earnings-calendar provider client.
package finnhub

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aristath/earnings/internal/clients/provider"
	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the public Finnhub API root.
	DefaultBaseURL = "https://finnhub.io/api/v1"

	// SourceName tags records normalized from this provider.
	SourceName = "finnhub"
)

// Client wraps the Finnhub calendar and guidance endpoints.
type Client struct {
	http *provider.HTTP
	log  zerolog.Logger
}

// NewClient creates a Finnhub client from provider options. Name and key parameter are filled in.
func NewClient(opts provider.Options, log zerolog.Logger) *Client {
	opts.Name = SourceName
	opts.APIKeyParam = "token"
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Client{
		http: provider.NewHTTP(opts, log),
		log:  log.With().Str("client", SourceName).Logger(),
	}
}

// FetchCalendar returns the raw calendar rows for one date. Zero rows is an empty slice and a nil error.
func (c *Client) FetchCalendar(ctx context.Context, dateKey string) ([]CalendarEntry, error) {
	var resp CalendarResponse
	params := map[string]string{"from": dateKey, "to": dateKey}
	if err := c.http.Get(ctx, "/calendar/earnings", params, &resp); err != nil {
		return nil, err
	}
	if resp.EarningsCalendar == nil {
		return []CalendarEntry{}, nil
	}
	return resp.EarningsCalendar, nil
}

// FetchGuidanceEntries returns every guidance submission the provider has for a ticker.
func (c *Client) FetchGuidanceEntries(ctx context.Context, ticker string) ([]GuidanceEntry, error) {
	var resp GuidanceResponse
	if err := c.http.Get(ctx, "/stock/guidance", map[string]string{"symbol": ticker}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Normalize converts a calendar row into the canonical record. Revenue is converted to cents
// and the report date to exchange-local midnight.
func Normalize(entry CalendarEntry, loc *time.Location, now time.Time) (domain.EarningsRecord, error) {
	reportDate, err := domain.ExchangeMidnight(entry.Date, loc)
	if err != nil {
		return domain.EarningsRecord{}, err
	}

	rec := domain.EarningsRecord{
		Ticker:          domain.NormalizeTicker(entry.Symbol),
		ReportDate:      reportDate,
		ReportTime:      domain.ParseReportTime(entry.Hour),
		EPSEstimate:     finite(entry.EPSEstimate),
		EPSActual:       finite(entry.EPSActual),
		RevenueEstimate: cents(entry.RevenueEstimate),
		RevenueActual:   cents(entry.RevenueActual),
		Sector:          strings.TrimSpace(entry.Sector),
		Exchange:        strings.TrimSpace(entry.Exchange),
		DataSource:      SourceName,
		LastUpdated:     now.UTC(),
	}
	if entry.Quarter != nil {
		if p, ok := domain.QuarterPeriod(*entry.Quarter); ok {
			rec.FiscalPeriod = p
		}
	}
	if entry.Year != nil {
		rec.FiscalYear = *entry.Year
	}

	if err := rec.Validate(); err != nil {
		return domain.EarningsRecord{}, fmt.Errorf("calendar row %q: %w", entry.Symbol, err)
	}
	return rec, nil
}

// NormalizeGuidance converts a provider submission into a guidance record for ticker.
func NormalizeGuidance(ticker string, entry GuidanceEntry, now time.Time) (domain.GuidanceRecord, error) {
	period, err := domain.ParseFiscalPeriod(entry.Period)
	if err != nil {
		return domain.GuidanceRecord{}, err
	}

	rec := domain.GuidanceRecord{
		Ticker:                   domain.NormalizeTicker(ticker),
		FiscalPeriod:             period,
		FiscalYear:               entry.Year,
		ReleaseType:              releaseType(entry.ReleaseType),
		ReleasedAt:               parseReleasedAt(entry.ReleasedAt),
		EstimatedEPSGuidance:     finite(entry.EPSGuidance),
		EstimatedRevenueGuidance: finite(entry.RevenueGuidance),
		EPSEstimate:              finite(entry.EPSEstimate),
		PreviousMinGuidance:      finite(entry.PreviousMin),
		PreviousMaxGuidance:      finite(entry.PreviousMax),
		ConsensusPercent:         finite(entry.ConsensusPercent),
		Method:                   domain.ParseAccountingMethod(entry.Method),
		DataSource:               SourceName,
		LastUpdated:              now.UTC(),
	}
	if err := rec.Validate(); err != nil {
		return domain.GuidanceRecord{}, fmt.Errorf("guidance %s %s: %w", ticker, entry.Period, err)
	}
	return rec, nil
}

func releaseType(s string) domain.ReleaseType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "final":
		return domain.ReleaseFinal
	case "preliminary", "prelim":
		return domain.ReleasePreliminary
	default:
		return domain.ReleaseOther
	}
}

func parseReleasedAt(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(domain.DateLayout, s); err == nil {
		return t
	}
	return time.Time{}
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func cents(v *float64) *int64 {
	v = finite(v)
	if v == nil {
		return nil
	}
	c := int64(math.Round(*v * 100))
	return &c
}
