// Package domain provides the core earnings, market and guidance models shared by
// the pipeline, the calculators and the persistence layer.
package domain

import "time"

// EarningsRecord is the reconciled calendar entry for one ticker on one report date.
// Nullable figures stay nil until a provider reports them; once an actual is set it is
// never cleared by a later fetch.
type EarningsRecord struct {
	LastUpdated     time.Time    `json:"last_updated"`
	ReportDate      time.Time    `json:"report_date" validate:"required"` // exchange-local midnight, in UTC
	EPSEstimate     *float64     `json:"eps_estimate,omitempty"`
	EPSActual       *float64     `json:"eps_actual,omitempty"`
	RevenueEstimate *int64       `json:"revenue_estimate,omitempty"` // smallest currency unit (cents)
	RevenueActual   *int64       `json:"revenue_actual,omitempty"`
	Ticker          string       `json:"ticker" validate:"required,min=1,max=10,uppercase"`
	ReportTime      ReportTime   `json:"report_time" validate:"oneof=BeforeOpen AfterClose DuringSession Unknown"`
	FiscalPeriod    FiscalPeriod `json:"fiscal_period" validate:"omitempty,oneof=Q1 Q2 Q3 Q4 H1 H2 FY"`
	Sector          string       `json:"sector,omitempty"`
	Exchange        string       `json:"exchange,omitempty"`
	DataSource      string       `json:"data_source" validate:"required"`
	FiscalYear      int          `json:"fiscal_year" validate:"omitempty,gte=1900,lte=2200"`
}

// MarketSnapshot holds the raw price inputs for a ticker/date and the figures derived
// from them at write time. Derived fields are never updated on their own.
type MarketSnapshot struct {
	LastUpdated           time.Time  `json:"last_updated"`
	ReportDate            time.Time  `json:"report_date"`
	CurrentPrice          *float64   `json:"current_price,omitempty"`
	PreviousClose         *float64   `json:"previous_close,omitempty"`
	SharesOutstanding     *float64   `json:"shares_outstanding,omitempty"`
	PriceChangePercent    *float64   `json:"price_change_percent,omitempty"`
	MarketCap             *int64     `json:"market_cap,omitempty"`
	MarketCapDiffPercent  *float64   `json:"market_cap_diff_percent,omitempty"`
	MarketCapDiffBillions *float64   `json:"market_cap_diff_billions,omitempty"`
	SizeClass             *SizeClass `json:"size_class,omitempty"`
	Ticker                string     `json:"ticker" validate:"required,min=1,max=10,uppercase"`
	CompanyName           string     `json:"company_name,omitempty"`
	DataSource            string     `json:"data_source"`
	Warnings              []string   `json:"warnings,omitempty"`
	Valid                 bool       `json:"valid"`
}

// GuidanceRecord is the most authoritative forward guidance for a ticker and fiscal period.
type GuidanceRecord struct {
	ReleasedAt               time.Time        `json:"released_at"`
	LastUpdated              time.Time        `json:"last_updated"`
	EstimatedEPSGuidance     *float64         `json:"estimated_eps_guidance,omitempty"`
	EstimatedRevenueGuidance *float64         `json:"estimated_revenue_guidance,omitempty"`
	EPSEstimate              *float64         `json:"eps_estimate,omitempty"` // consensus baseline at release time
	PreviousMinGuidance      *float64         `json:"previous_min_guidance,omitempty"`
	PreviousMaxGuidance      *float64         `json:"previous_max_guidance,omitempty"`
	ConsensusPercent         *float64         `json:"consensus_percent,omitempty"`
	SurprisePercent          *float64         `json:"surprise_percent,omitempty"`
	Ticker                   string           `json:"ticker" validate:"required,min=1,max=10,uppercase"`
	FiscalPeriod             FiscalPeriod     `json:"fiscal_period" validate:"required,oneof=Q1 Q2 Q3 Q4 H1 H2 FY"`
	ReleaseType              ReleaseType      `json:"release_type"`
	Method                   AccountingMethod `json:"method"`
	SurpriseBasis            SurpriseBasis    `json:"surprise_basis,omitempty"`
	DataSource               string           `json:"data_source"`
	FiscalYear               int              `json:"fiscal_year" validate:"required,gte=1900,lte=2200"`
	SurpriseExtreme          bool             `json:"surprise_extreme"`
}

// Period returns the fiscal period tag of the guidance.
func (g GuidanceRecord) Period() PeriodTag {
	return PeriodTag{Period: g.FiscalPeriod, Year: g.FiscalYear}
}

// DailyState is the persisted per-calendar-day pipeline state.
type DailyState struct {
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	FetchAt       *time.Time `json:"fetch_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Date          string     `json:"date"`
	State         DayState   `json:"state"`
	LastCount     int        `json:"last_count"`
	SoftEmpty     bool       `json:"soft_empty"`
}

// Lock is an ephemeral mutual-exclusion record. Expiry is computed from AcquiredAt and TTL.
type Lock struct {
	AcquiredAt time.Time     `json:"acquired_at"`
	Name       string        `json:"name"`
	Owner      string        `json:"owner"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l Lock) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= l.TTL
}

// EarningsRow is one published line: the earnings record joined with its market
// snapshot and guidance. Guidance is for the same fiscal period when stored, else the
// ticker's latest release.
type EarningsRow struct {
	Earnings EarningsRecord  `json:"earnings" msgpack:"earnings"`
	Market   *MarketSnapshot `json:"market,omitempty" msgpack:"market,omitempty"`
	Guidance *GuidanceRecord `json:"guidance,omitempty" msgpack:"guidance,omitempty"`
}
