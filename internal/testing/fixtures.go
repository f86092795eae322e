package testing

import (
	"time"

	"github.com/aristath/earnings/internal/domain"
)

// FixtureDate is the trading day used across fixtures.
const FixtureDate = "2025-09-09"

// NewYork loads the exchange timezone or panics.
func NewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

// NewEarningsFixture returns a valid record for ticker on dateKey.
func NewEarningsFixture(ticker, dateKey string) domain.EarningsRecord {
	reportDate, err := domain.ExchangeMidnight(dateKey, NewYork())
	if err != nil {
		panic(err)
	}
	return domain.EarningsRecord{
		Ticker:       ticker,
		ReportDate:   reportDate,
		ReportTime:   domain.ReportAfterClose,
		EPSEstimate:  domain.Float(1.50),
		FiscalPeriod: domain.PeriodQ4,
		FiscalYear:   2025,
		Exchange:     "NASDAQ",
		Sector:       "Technology",
		DataSource:   "fixture",
		LastUpdated:  time.Date(2025, 9, 9, 12, 0, 0, 0, time.UTC),
	}
}

// NewEarningsFixtures returns records for AAPL, MSFT and NVDA on dateKey.
func NewEarningsFixtures(dateKey string) []domain.EarningsRecord {
	return []domain.EarningsRecord{
		NewEarningsFixture("AAPL", dateKey),
		NewEarningsFixture("MSFT", dateKey),
		NewEarningsFixture("NVDA", dateKey),
	}
}

// NewQuoteFixture returns a complete quote with a small positive move.
func NewQuoteFixture(ticker string) domain.Quote {
	return domain.Quote{
		Ticker:            ticker,
		CompanyName:       ticker + " Inc.",
		CurrentPrice:      domain.Float(150.25),
		PreviousClose:     domain.Float(148.50),
		SharesOutstanding: domain.Float(15e9),
		Errors:            map[string]error{},
	}
}

// NewGuidanceFixture returns a final guidance submission for the fixture fiscal period.
func NewGuidanceFixture(ticker string) domain.GuidanceRecord {
	return domain.GuidanceRecord{
		Ticker:               ticker,
		FiscalPeriod:         domain.PeriodQ4,
		FiscalYear:           2025,
		ReleaseType:          domain.ReleaseFinal,
		ReleasedAt:           time.Date(2025, 8, 1, 20, 0, 0, 0, time.UTC),
		EstimatedEPSGuidance: domain.Float(1.65),
		DataSource:           "fixture",
		LastUpdated:          time.Date(2025, 9, 9, 12, 0, 0, 0, time.UTC),
	}
}
