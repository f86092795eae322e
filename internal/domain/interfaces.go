package domain

import "context"

// CalendarProvider supplies normalized earnings-calendar rows for a calendar date.
// An empty slice with a nil error means the provider answered with zero rows, which is
// distinct from a transport or rate-limit failure.
type CalendarProvider interface {
	Name() string
	FetchCalendar(ctx context.Context, dateKey string) ([]EarningsRecord, error)
}

// MarketDataProvider supplies per-ticker price and profile data. FetchQuote never fails as a
// whole: each sub-call failure is recorded on the returned Quote.
type MarketDataProvider interface {
	Name() string
	FetchQuote(ctx context.Context, ticker string, opts QuoteOptions) Quote
}

// QuoteOptions narrows a quote request.
type QuoteOptions struct {
	// SkipProfile omits the company-profile lookup, e.g. after a recent not-found.
	SkipProfile bool
}

// GuidanceProvider supplies raw guidance submissions for a ticker, possibly several per
// fiscal period.
type GuidanceProvider interface {
	Name() string
	FetchGuidance(ctx context.Context, ticker string) ([]GuidanceRecord, error)
}

// Quote is the market-data enrichment gathered for one ticker. Every field is optional.
type Quote struct {
	Errors            map[string]error
	CurrentPrice      *float64
	PreviousClose     *float64
	SharesOutstanding *float64
	MarketCap         *float64
	Ticker            string
	CompanyName       string
	// ProfileNotFound is set when the provider answered 404 for the company profile.
	ProfileNotFound bool
}

// Failed reports whether the named sub-call failed.
func (q Quote) Failed(part string) bool {
	_, ok := q.Errors[part]
	return ok
}

// Quote sub-call names.
const (
	QuotePreviousClose = "previous_close"
	QuoteLastTrade     = "last_trade"
	QuoteProfile       = "profile"
)
