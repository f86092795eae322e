package testing

import (
	"context"
	"sync"

	"github.com/aristath/earnings/internal/domain"
)

// MockCalendarProvider is a scripted CalendarProvider. Each call consumes the next scripted
// response; once the script is exhausted the last response repeats.
type MockCalendarProvider struct {
	mu        sync.Mutex
	responses []CalendarResponse
	calls     []string
}

// CalendarResponse is one scripted FetchCalendar result.
type CalendarResponse struct {
	Records []domain.EarningsRecord
	Err     error
}

// NewMockCalendarProvider creates a provider that answers with responses in order.
func NewMockCalendarProvider(responses ...CalendarResponse) *MockCalendarProvider {
	return &MockCalendarProvider{responses: responses}
}

// Name returns the provider name
func (m *MockCalendarProvider) Name() string { return "mock_calendar" }

// FetchCalendar returns the next scripted response
func (m *MockCalendarProvider) FetchCalendar(ctx context.Context, dateKey string) ([]domain.EarningsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, dateKey)
	if len(m.responses) == 0 {
		return []domain.EarningsRecord{}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	r := m.responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return append([]domain.EarningsRecord(nil), r.Records...), nil
}

// Calls returns the dates requested so far
func (m *MockCalendarProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockMarketDataProvider returns a fixed quote per ticker.
type MockMarketDataProvider struct {
	mu      sync.Mutex
	quotes  map[string]domain.Quote
	calls   []string
	skipped []string
}

// NewMockMarketDataProvider creates a provider with no quotes configured
func NewMockMarketDataProvider() *MockMarketDataProvider {
	return &MockMarketDataProvider{quotes: make(map[string]domain.Quote)}
}

// SetQuote sets the quote returned for a ticker
func (m *MockMarketDataProvider) SetQuote(q domain.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Ticker] = q
}

// Name returns the provider name
func (m *MockMarketDataProvider) Name() string { return "mock_market" }

// FetchQuote returns the configured quote, or an empty quote with every part failed
func (m *MockMarketDataProvider) FetchQuote(ctx context.Context, ticker string, opts domain.QuoteOptions) domain.Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ticker)
	q, ok := m.quotes[ticker]
	if !ok {
		q = domain.Quote{Ticker: ticker, Errors: map[string]error{
			domain.QuotePreviousClose: context.DeadlineExceeded,
			domain.QuoteLastTrade:     context.DeadlineExceeded,
			domain.QuoteProfile:       context.DeadlineExceeded,
		}}
	}
	if opts.SkipProfile {
		m.skipped = append(m.skipped, ticker)
		errs := make(map[string]error, len(q.Errors))
		for part, err := range q.Errors {
			if part != domain.QuoteProfile {
				errs[part] = err
			}
		}
		q.Errors = errs
		q.CompanyName, q.MarketCap, q.SharesOutstanding, q.ProfileNotFound = "", nil, nil, false
	}
	return q
}

// SkippedProfiles returns the tickers requested without a profile lookup
func (m *MockMarketDataProvider) SkippedProfiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.skipped...)
}

// Calls returns the tickers requested so far
func (m *MockMarketDataProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockGuidanceProvider returns fixed submissions per ticker.
type MockGuidanceProvider struct {
	mu          sync.Mutex
	submissions map[string][]domain.GuidanceRecord
	err         error
}

// NewMockGuidanceProvider creates a provider with no submissions
func NewMockGuidanceProvider() *MockGuidanceProvider {
	return &MockGuidanceProvider{submissions: make(map[string][]domain.GuidanceRecord)}
}

// Add appends a submission
func (m *MockGuidanceProvider) Add(g domain.GuidanceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[g.Ticker] = append(m.submissions[g.Ticker], g)
}

// SetError sets the error to return
func (m *MockGuidanceProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Name returns the provider name
func (m *MockGuidanceProvider) Name() string { return "mock_guidance" }

// FetchGuidance returns the configured submissions
func (m *MockGuidanceProvider) FetchGuidance(ctx context.Context, ticker string) ([]domain.GuidanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]domain.GuidanceRecord(nil), m.submissions[ticker]...), nil
}
