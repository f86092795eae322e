// Package earnings persists reconciled earnings, market snapshots and guidance with keyed,
// idempotent upserts.
package earnings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aristath/earnings/internal/database"
	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

// DefaultSlowWriteThreshold is the duration above which a write is logged at warn level.
const DefaultSlowWriteThreshold = 2 * time.Second

var earningsColumns = []string{
	"ticker", "report_date", "report_date_utc", "report_time",
	"eps_estimate", "eps_actual", "revenue_estimate", "revenue_actual",
	"fiscal_period", "fiscal_year", "sector", "exchange", "data_source", "last_updated",
}

var snapshotColumns = []string{
	"ticker", "report_date", "company_name", "current_price", "previous_close", "shares_outstanding",
	"price_change_percent", "market_cap", "market_cap_diff_percent", "market_cap_diff_billions",
	"size_class", "valid", "warnings", "data_source", "last_updated",
}

var guidanceColumns = []string{
	"ticker", "fiscal_period", "fiscal_year", "release_type", "release_rank", "released_at",
	"estimated_eps_guidance", "estimated_revenue_guidance", "eps_estimate",
	"previous_min_guidance", "previous_max_guidance", "consensus_percent", "method",
	"surprise_percent", "surprise_basis", "surprise_extreme", "data_source", "last_updated",
}

// Non-null incoming values win; nulls never overwrite stored values.
const earningsConflict = `ON CONFLICT(ticker, report_date) DO UPDATE SET
	report_date_utc = excluded.report_date_utc,
	report_time = CASE WHEN excluded.report_time = 'Unknown' THEN earnings.report_time ELSE excluded.report_time END,
	eps_estimate = COALESCE(excluded.eps_estimate, earnings.eps_estimate),
	eps_actual = COALESCE(excluded.eps_actual, earnings.eps_actual),
	revenue_estimate = COALESCE(excluded.revenue_estimate, earnings.revenue_estimate),
	revenue_actual = COALESCE(excluded.revenue_actual, earnings.revenue_actual),
	fiscal_period = COALESCE(excluded.fiscal_period, earnings.fiscal_period),
	fiscal_year = COALESCE(excluded.fiscal_year, earnings.fiscal_year),
	sector = COALESCE(excluded.sector, earnings.sector),
	exchange = COALESCE(excluded.exchange, earnings.exchange),
	data_source = excluded.data_source,
	last_updated = excluded.last_updated`

// Raw inputs and derived figures move together.
const snapshotConflict = `ON CONFLICT(ticker, report_date) DO UPDATE SET
	company_name = COALESCE(excluded.company_name, market_snapshots.company_name),
	current_price = excluded.current_price,
	previous_close = excluded.previous_close,
	shares_outstanding = excluded.shares_outstanding,
	price_change_percent = excluded.price_change_percent,
	market_cap = excluded.market_cap,
	market_cap_diff_percent = excluded.market_cap_diff_percent,
	market_cap_diff_billions = excluded.market_cap_diff_billions,
	size_class = excluded.size_class,
	valid = excluded.valid,
	warnings = excluded.warnings,
	data_source = excluded.data_source,
	last_updated = excluded.last_updated`

// The stored row is replaced only by a submission that outranks it.
const guidanceConflict = `ON CONFLICT(ticker, fiscal_period, fiscal_year) DO UPDATE SET
	release_type = excluded.release_type,
	release_rank = excluded.release_rank,
	released_at = excluded.released_at,
	estimated_eps_guidance = excluded.estimated_eps_guidance,
	estimated_revenue_guidance = excluded.estimated_revenue_guidance,
	eps_estimate = excluded.eps_estimate,
	previous_min_guidance = excluded.previous_min_guidance,
	previous_max_guidance = excluded.previous_max_guidance,
	consensus_percent = excluded.consensus_percent,
	method = excluded.method,
	surprise_percent = excluded.surprise_percent,
	surprise_basis = excluded.surprise_basis,
	surprise_extreme = excluded.surprise_extreme,
	data_source = excluded.data_source,
	last_updated = excluded.last_updated
WHERE excluded.release_rank > guidance.release_rank
	OR (excluded.release_rank = guidance.release_rank AND excluded.released_at > guidance.released_at)
	OR (excluded.release_rank = guidance.release_rank AND excluded.released_at = guidance.released_at
		AND excluded.last_updated >= guidance.last_updated)`

// Repository is the persistence adapter for the three record kinds.
type Repository struct {
	db        *sql.DB
	loc       *time.Location
	log       zerolog.Logger
	slowWrite time.Duration
}

// NewRepository creates a repository. loc is the exchange timezone used for date keys.
func NewRepository(db *sql.DB, loc *time.Location, log zerolog.Logger) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{
		db:        db,
		loc:       loc,
		log:       log.With().Str("repo", "earnings").Logger(),
		slowWrite: DefaultSlowWriteThreshold,
	}
}

// SetSlowWriteThreshold changes the slow-write warning threshold.
func (r *Repository) SetSlowWriteThreshold(d time.Duration) {
	if d > 0 {
		r.slowWrite = d
	}
}

// UpsertEarnings inserts or merges a record keyed by (ticker, report date).
func (r *Repository) UpsertEarnings(ctx context.Context, rec domain.EarningsRecord) error {
	dateKey := domain.DateKey(rec.ReportDate, r.loc)
	query, args, err := sq.Insert("earnings").
		Columns(earningsColumns...).
		Values(
			rec.Ticker, dateKey, rec.ReportDate.Unix(), string(rec.ReportTime),
			nullFloat(rec.EPSEstimate), nullFloat(rec.EPSActual), nullInt64(rec.RevenueEstimate), nullInt64(rec.RevenueActual),
			nullString(string(rec.FiscalPeriod)), nullInt(rec.FiscalYear),
			nullString(rec.Sector), nullString(rec.Exchange), rec.DataSource, millis(rec.LastUpdated),
		).
		Suffix(earningsConflict).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build earnings upsert: %w", err)
	}
	return r.exec(ctx, "upsert_earnings", rec.Ticker, query, args)
}

// UpsertMarketSnapshot inserts or replaces a snapshot keyed by (ticker, report date).
func (r *Repository) UpsertMarketSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	var size interface{}
	if snap.SizeClass != nil {
		size = string(*snap.SizeClass)
	}
	var warnings interface{}
	if len(snap.Warnings) > 0 {
		b, err := json.Marshal(snap.Warnings)
		if err != nil {
			return fmt.Errorf("failed to marshal warnings: %w", err)
		}
		warnings = string(b)
	}

	query, args, err := sq.Insert("market_snapshots").
		Columns(snapshotColumns...).
		Values(
			snap.Ticker, domain.DateKey(snap.ReportDate, r.loc), nullString(snap.CompanyName),
			nullFloat(snap.CurrentPrice), nullFloat(snap.PreviousClose), nullFloat(snap.SharesOutstanding),
			nullFloat(snap.PriceChangePercent), nullInt64(snap.MarketCap),
			nullFloat(snap.MarketCapDiffPercent), nullFloat(snap.MarketCapDiffBillions),
			size, boolInt(snap.Valid), warnings, snap.DataSource, millis(snap.LastUpdated),
		).
		Suffix(snapshotConflict).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build snapshot upsert: %w", err)
	}
	return r.exec(ctx, "upsert_market_snapshot", snap.Ticker, query, args)
}

// UpsertGuidance keeps the most authoritative submission per (ticker, period, year).
func (r *Repository) UpsertGuidance(ctx context.Context, g domain.GuidanceRecord) error {
	query, args, err := sq.Insert("guidance").
		Columns(guidanceColumns...).
		Values(
			g.Ticker, string(g.FiscalPeriod), g.FiscalYear, string(g.ReleaseType), g.ReleaseType.Rank(),
			millis(g.ReleasedAt), nullFloat(g.EstimatedEPSGuidance), nullFloat(g.EstimatedRevenueGuidance),
			nullFloat(g.EPSEstimate), nullFloat(g.PreviousMinGuidance), nullFloat(g.PreviousMaxGuidance),
			nullFloat(g.ConsensusPercent), nullString(string(g.Method)), nullFloat(g.SurprisePercent),
			nullString(string(g.SurpriseBasis)), boolInt(g.SurpriseExtreme),
			g.DataSource, millis(g.LastUpdated),
		).
		Suffix(guidanceConflict).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build guidance upsert: %w", err)
	}
	return r.exec(ctx, "upsert_guidance", g.Ticker, query, args)
}

func (r *Repository) exec(ctx context.Context, op, ticker, query string, args []interface{}) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)
	if elapsed > r.slowWrite {
		r.log.Warn().Str("op", op).Str("ticker", ticker).Dur("duration", elapsed).Msg("Slow write")
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, ticker, err)
	}
	return nil
}

// GetEarnings returns the stored record for ticker on dateKey.
func (r *Repository) GetEarnings(ctx context.Context, ticker, dateKey string) (*domain.EarningsRecord, error) {
	query, args, err := sq.Select(earningsColumns...).
		From("earnings").
		Where(sq.Eq{"ticker": ticker, "report_date": dateKey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rec, err := scanEarnings(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get earnings %s %s: %w", ticker, dateKey, err)
	}
	return rec, nil
}

// GetGuidance returns the stored guidance for a ticker and fiscal period.
func (r *Repository) GetGuidance(ctx context.Context, ticker string, tag domain.PeriodTag) (*domain.GuidanceRecord, error) {
	query, args, err := sq.Select(guidanceColumns...).
		From("guidance").
		Where(sq.Eq{"ticker": ticker, "fiscal_period": string(tag.Period), "fiscal_year": tag.Year}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	g, err := scanGuidance(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guidance %s %s: %w", ticker, tag, err)
	}
	return g, nil
}

// ListByDate returns every earnings record for dateKey joined with its snapshot and guidance.
// Guidance for the record's fiscal period is preferred; otherwise the ticker's most recently
// released guidance is attached. Rows are ordered by ticker.
func (r *Repository) ListByDate(ctx context.Context, dateKey string) ([]domain.EarningsRow, error) {
	records, err := r.earningsByDate(ctx, dateKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EarningsRow, 0, len(records))
	if len(records) == 0 {
		return out, nil
	}

	tickers := make([]string, len(records))
	for i, rec := range records {
		tickers[i] = rec.Ticker
	}
	snapshots, err := r.snapshotsByDate(ctx, dateKey)
	if err != nil {
		return nil, err
	}
	guidance, err := r.guidanceForTickers(ctx, tickers)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		row := domain.EarningsRow{Earnings: rec, Market: snapshots[rec.Ticker]}
		tag := domain.PeriodTag{Period: rec.FiscalPeriod, Year: rec.FiscalYear}
		row.Guidance = pickGuidance(guidance[rec.Ticker], tag)
		out = append(out, row)
	}
	return out, nil
}

func (r *Repository) earningsByDate(ctx context.Context, dateKey string) ([]domain.EarningsRecord, error) {
	query, args, err := sq.Select(earningsColumns...).
		From("earnings").
		Where(sq.Eq{"report_date": dateKey}).
		OrderBy("ticker").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list earnings for %s: %w", dateKey, err)
	}
	defer rows.Close()

	var out []domain.EarningsRecord
	for rows.Next() {
		rec, err := scanEarnings(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan earnings: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *Repository) snapshotsByDate(ctx context.Context, dateKey string) (map[string]*domain.MarketSnapshot, error) {
	query, args, err := sq.Select(snapshotColumns...).
		From("market_snapshots").
		Where(sq.Eq{"report_date": dateKey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", dateKey, err)
	}
	defer rows.Close()

	out := make(map[string]*domain.MarketSnapshot)
	for rows.Next() {
		snap, err := r.scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out[snap.Ticker] = snap
	}
	return out, rows.Err()
}

func pickGuidance(candidates []*domain.GuidanceRecord, tag domain.PeriodTag) *domain.GuidanceRecord {
	var latest *domain.GuidanceRecord
	for _, g := range candidates {
		if g.Period().Matches(tag) {
			return g
		}
		if latest == nil || g.ReleasedAt.After(latest.ReleasedAt) ||
			(g.ReleasedAt.Equal(latest.ReleasedAt) && g.LastUpdated.After(latest.LastUpdated)) {
			latest = g
		}
	}
	return latest
}

// guidanceForTickers returns every stored guidance row grouped by ticker.
func (r *Repository) guidanceForTickers(ctx context.Context, tickers []string) (map[string][]*domain.GuidanceRecord, error) {
	query, args, err := sq.Select(guidanceColumns...).
		From("guidance").
		Where(sq.Eq{"ticker": tickers}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list guidance: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*domain.GuidanceRecord)
	for rows.Next() {
		g, err := scanGuidance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guidance: %w", err)
		}
		out[g.Ticker] = append(out[g.Ticker], g)
	}
	return out, rows.Err()
}

// PurgeOutsideWindow deletes earnings and snapshots dated before from or after to. This is
// the daily reset; no other path removes rows.
func (r *Repository) PurgeOutsideWindow(ctx context.Context, from, to string) (int64, error) {
	var removed int64
	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		for _, table := range []string{"earnings", "market_snapshots"} {
			query, args, err := sq.Delete(table).
				Where(sq.Or{sq.Lt{"report_date": from}, sq.Gt{"report_date": to}}).
				ToSql()
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Info().Str("from", from).Str("to", to).Int64("removed", removed).Msg("Purged rows outside window")
	return removed, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEarnings(s scanner) (*domain.EarningsRecord, error) {
	var (
		rec                      domain.EarningsRecord
		dateKey                  string
		reportUnix, updated      int64
		reportTime               string
		period, sector, exchange sql.NullString
		year                     sql.NullInt64
	)
	err := s.Scan(
		&rec.Ticker, &dateKey, &reportUnix, &reportTime,
		&rec.EPSEstimate, &rec.EPSActual, &rec.RevenueEstimate, &rec.RevenueActual,
		&period, &year, &sector, &exchange, &rec.DataSource, &updated,
	)
	if err != nil {
		return nil, err
	}
	rec.ReportDate = time.Unix(reportUnix, 0).UTC()
	rec.ReportTime = domain.ReportTime(reportTime)
	rec.FiscalPeriod = domain.FiscalPeriod(period.String)
	rec.FiscalYear = int(year.Int64)
	rec.Sector = sector.String
	rec.Exchange = exchange.String
	rec.LastUpdated = time.UnixMilli(updated).UTC()
	return &rec, nil
}

func (r *Repository) scanSnapshot(s scanner) (*domain.MarketSnapshot, error) {
	var (
		snap                 domain.MarketSnapshot
		dateKey              string
		name, size, warnings sql.NullString
		valid                int64
		updated              int64
	)
	err := s.Scan(
		&snap.Ticker, &dateKey, &name, &snap.CurrentPrice, &snap.PreviousClose, &snap.SharesOutstanding,
		&snap.PriceChangePercent, &snap.MarketCap, &snap.MarketCapDiffPercent, &snap.MarketCapDiffBillions,
		&size, &valid, &warnings, &snap.DataSource, &updated,
	)
	if err != nil {
		return nil, err
	}
	reportDate, err := domain.ExchangeMidnight(dateKey, r.loc)
	if err != nil {
		return nil, err
	}
	snap.ReportDate = reportDate
	snap.CompanyName = name.String
	if size.Valid {
		sc := domain.SizeClass(size.String)
		snap.SizeClass = &sc
	}
	snap.Valid = valid != 0
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &snap.Warnings); err != nil {
			return nil, fmt.Errorf("bad warnings for %s: %w", snap.Ticker, err)
		}
	}
	snap.LastUpdated = time.UnixMilli(updated).UTC()
	return &snap, nil
}

func scanGuidance(s scanner) (*domain.GuidanceRecord, error) {
	var (
		g                   domain.GuidanceRecord
		period, releaseType string
		rank                int64
		released, updated   int64
		method, basis       sql.NullString
		extreme             int64
	)
	err := s.Scan(
		&g.Ticker, &period, &g.FiscalYear, &releaseType, &rank, &released,
		&g.EstimatedEPSGuidance, &g.EstimatedRevenueGuidance, &g.EPSEstimate,
		&g.PreviousMinGuidance, &g.PreviousMaxGuidance, &g.ConsensusPercent, &method,
		&g.SurprisePercent, &basis, &extreme, &g.DataSource, &updated,
	)
	if err != nil {
		return nil, err
	}
	g.FiscalPeriod = domain.FiscalPeriod(period)
	g.ReleaseType = domain.ReleaseType(releaseType)
	g.ReleasedAt = time.UnixMilli(released).UTC()
	g.Method = domain.AccountingMethod(method.String)
	g.SurpriseBasis = domain.SurpriseBasis(basis.String)
	g.SurpriseExtreme = extreme != 0
	g.LastUpdated = time.UnixMilli(updated).UTC()
	return &g, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// millis stores zero times as 0 rather than a large negative value.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
