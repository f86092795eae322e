package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultStaleAfter is the age after which a published snapshot is reported stale.
const DefaultStaleAfter = 2 * time.Hour

// Freshness tells a consumer how far to trust a published snapshot.
type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessPartial Freshness = "partial"
	FreshnessStale   Freshness = "stale"
)

// Coverage is the fraction of a day's tickers with each kind of data populated.
type Coverage struct {
	Schedule float64 `json:"schedule" msgpack:"schedule"`
	Price    float64 `json:"price" msgpack:"price"`
	EPSRev   float64 `json:"eps_rev" msgpack:"eps_rev"`
}

// Complete reports whether every dimension is fully covered.
func (c Coverage) Complete() bool {
	return c.Schedule >= 1 && c.Price >= 1 && c.EPSRev >= 1
}

// ComputeCoverage measures rows. A row counts for schedule when its report time is known,
// for price when its snapshot carries a price change, and for eps/revenue when either
// estimate is present. An empty day has zero coverage.
func ComputeCoverage(rows []domain.EarningsRow) Coverage {
	if len(rows) == 0 {
		return Coverage{}
	}
	var schedule, price, epsRev int
	for _, row := range rows {
		if row.Earnings.ReportTime != "" && row.Earnings.ReportTime != domain.ReportUnknown {
			schedule++
		}
		if row.Market != nil && row.Market.PriceChangePercent != nil {
			price++
		}
		if row.Earnings.EPSEstimate != nil || row.Earnings.RevenueEstimate != nil {
			epsRev++
		}
	}
	n := float64(len(rows))
	return Coverage{
		Schedule: float64(schedule) / n,
		Price:    float64(price) / n,
		EPSRev:   float64(epsRev) / n,
	}
}

// Snapshot is what a pipeline run publishes for one date.
type Snapshot struct {
	LastAttemptAt time.Time
	Date          string
	Rows          []domain.EarningsRow
	Coverage      Coverage
	SoftEmpty     bool
}

// Published is a snapshot as served to readers.
type Published struct {
	PublishedAt         time.Time            `json:"published_at"`
	LastAttemptAt       time.Time            `json:"last_attempt_at"`
	Date                string               `json:"date"`
	Freshness           Freshness            `json:"freshness"`
	Data                []domain.EarningsRow `json:"data"`
	Coverage            Coverage             `json:"coverage"`
	Version             uint64               `json:"version"`
	SoftEmpty           bool                 `json:"soft_empty"`
	NoEarningsConfirmed bool                 `json:"no_earnings_confirmed"`
}

// stored is the msgpack payload under "earnings:{date}".
type stored struct {
	PublishedAt   time.Time            `msgpack:"published_at"`
	LastAttemptAt time.Time            `msgpack:"last_attempt_at"`
	Date          string               `msgpack:"date"`
	Rows          []domain.EarningsRow `msgpack:"rows"`
	Coverage      Coverage             `msgpack:"coverage"`
	SoftEmpty     bool                 `msgpack:"soft_empty"`
}

// NoEarningsRule decides whether an empty day may be shown as having no earnings.
type NoEarningsRule func(now time.Time, dateKey string, lastAttempt time.Time) bool

// SnapshotKey is the base cache key for a date's snapshot.
func SnapshotKey(dateKey string) string {
	return "earnings:" + dateKey
}

// ProfileMissKey is the base key for a negative profile lookup.
func ProfileMissKey(ticker string) string {
	return "profile:" + ticker
}

// Publisher stages and promotes day snapshots and serves the published ones.
type Publisher struct {
	store      *Store
	log        zerolog.Logger
	noEarnings NoEarningsRule
	now        func() time.Time
	staleAfter time.Duration
}

// NewPublisher creates a publisher. staleAfter <= 0 uses DefaultStaleAfter.
func NewPublisher(store *Store, staleAfter time.Duration, log zerolog.Logger) *Publisher {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Publisher{
		store:      store,
		log:        log.With().Str("component", "publisher").Logger(),
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

// SetNoEarningsRule installs the rule used to confirm empty days at read time. Without
// one, an empty day is never confirmed.
func (p *Publisher) SetNoEarningsRule(rule NoEarningsRule) {
	p.noEarnings = rule
}

// Store exposes the underlying versioned store.
func (p *Publisher) Store() *Store {
	return p.store
}

// Publish stages the snapshot and promotes it, returning the new published version.
func (p *Publisher) Publish(ctx context.Context, snap Snapshot) (uint64, error) {
	rows := snap.Rows
	if rows == nil {
		rows = []domain.EarningsRow{}
	}
	payload := stored{
		PublishedAt:   p.now().UTC(),
		LastAttemptAt: snap.LastAttemptAt.UTC(),
		Date:          snap.Date,
		Rows:          rows,
		Coverage:      snap.Coverage,
		SoftEmpty:     snap.SoftEmpty,
	}

	if err := p.store.Stage(ctx, SnapshotKey(snap.Date), payload); err != nil {
		return 0, fmt.Errorf("failed to stage snapshot for %s: %w", snap.Date, err)
	}
	version, err := p.store.Promote(ctx)
	if err != nil {
		return 0, err
	}

	p.log.Info().
		Str("date", snap.Date).
		Int("rows", len(rows)).
		Uint64("version", version).
		Bool("soft_empty", snap.SoftEmpty).
		Msg("Snapshot published")
	return version, nil
}

// GetPublished returns the published snapshot for dateKey with freshness computed now.
func (p *Publisher) GetPublished(ctx context.Context, dateKey string) (*Published, error) {
	var s stored
	version, err := p.store.Get(ctx, SnapshotKey(dateKey), &s)
	if err != nil {
		return nil, err
	}

	now := p.now()
	out := &Published{
		PublishedAt:   s.PublishedAt,
		LastAttemptAt: s.LastAttemptAt,
		Date:          s.Date,
		Data:          s.Rows,
		Coverage:      s.Coverage,
		Version:       version,
		SoftEmpty:     s.SoftEmpty,
	}
	if out.Data == nil {
		out.Data = []domain.EarningsRow{}
	}
	if len(out.Data) == 0 && s.SoftEmpty && p.noEarnings != nil {
		out.NoEarningsConfirmed = p.noEarnings(now, dateKey, s.LastAttemptAt)
	}
	out.Freshness = p.freshness(now, out)
	return out, nil
}

func (p *Publisher) freshness(now time.Time, pub *Published) Freshness {
	if now.Sub(pub.PublishedAt) > p.staleAfter {
		return FreshnessStale
	}
	if len(pub.Data) == 0 {
		if pub.SoftEmpty && !pub.NoEarningsConfirmed {
			return FreshnessPartial
		}
		return FreshnessFresh
	}
	if !pub.Coverage.Complete() {
		return FreshnessPartial
	}
	return FreshnessFresh
}
