package finnhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/earnings/internal/clients/provider"
	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(provider.Options{BaseURL: server.URL, APIKey: "k", Timeout: time.Second}, zerolog.Nop())
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestFetchCalendar(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendar/earnings", r.URL.Path)
		assert.Equal(t, "2025-09-09", r.URL.Query().Get("from"))
		assert.Equal(t, "2025-09-09", r.URL.Query().Get("to"))
		assert.Equal(t, "k", r.URL.Query().Get("token"))
		_, _ = w.Write([]byte(`{"earningsCalendar":[
			{"symbol":"AAPL","date":"2025-09-09","hour":"amc","epsEstimate":1.5,"epsActual":1.52,
			 "revenueEstimate":89500000000.25,"revenueActual":null,"quarter":4,"year":2025}
		]}`))
	})

	entries, err := client.FetchCalendar(context.Background(), "2025-09-09")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AAPL", entries[0].Symbol)
	require.NotNil(t, entries[0].EPSActual)
	assert.Equal(t, 1.52, *entries[0].EPSActual)
	assert.Nil(t, entries[0].RevenueActual)
}

func TestFetchCalendar_EmptyIsNotAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"earningsCalendar":null}`))
	})

	entries, err := client.FetchCalendar(context.Background(), "2025-09-09")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestFetchCalendar_RateLimitIsDistinct(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	entries, err := client.FetchCalendar(context.Background(), "2025-09-09")
	require.Error(t, err)
	assert.Nil(t, entries)
	assert.True(t, provider.IsTransient(err))
}

func TestNormalize(t *testing.T) {
	loc := newYork(t)
	q, y := 4, 2025
	rev := 89_500_000_000.25
	now := time.Date(2025, 9, 9, 14, 0, 0, 0, time.UTC)

	rec, err := Normalize(CalendarEntry{
		Symbol: " aapl ", Date: "2025-09-09", Hour: "bmo",
		EPSEstimate: domain.Float(1.5), RevenueEstimate: &rev, Quarter: &q, Year: &y,
	}, loc, now)
	require.NoError(t, err)

	assert.Equal(t, "AAPL", rec.Ticker)
	assert.Equal(t, time.Date(2025, 9, 9, 4, 0, 0, 0, time.UTC), rec.ReportDate)
	assert.Equal(t, domain.ReportBeforeOpen, rec.ReportTime)
	assert.Equal(t, domain.PeriodQ4, rec.FiscalPeriod)
	assert.Equal(t, 2025, rec.FiscalYear)
	require.NotNil(t, rec.RevenueEstimate)
	assert.Equal(t, int64(8_950_000_000_025), *rec.RevenueEstimate)
	assert.Nil(t, rec.EPSActual)
	assert.Equal(t, SourceName, rec.DataSource)
	assert.Equal(t, now, rec.LastUpdated)
}

func TestNormalize_RejectsBadRows(t *testing.T) {
	loc := newYork(t)
	_, err := Normalize(CalendarEntry{Symbol: "AAPL", Date: "not-a-date"}, loc, time.Now())
	assert.Error(t, err)

	_, err = Normalize(CalendarEntry{Symbol: "", Date: "2025-09-09"}, loc, time.Now())
	assert.Error(t, err)
}

func TestSource_FetchCalendarDropsAndMerges(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"earningsCalendar":[
			{"symbol":"MSFT","date":"2025-09-09","hour":""},
			{"symbol":"MSFT","date":"2025-09-09","hour":"amc","epsActual":2.1},
			{"symbol":"","date":"2025-09-09"},
			{"symbol":"ORCL","date":"2025-09-09","hour":"dmh"}
		]}`))
	})
	src := NewSource(client, newYork(t), zerolog.Nop())

	records, err := src.FetchCalendar(context.Background(), "2025-09-09")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "MSFT", records[0].Ticker)
	assert.Equal(t, domain.ReportAfterClose, records[0].ReportTime)
	require.NotNil(t, records[0].EPSActual)
	assert.Equal(t, 2.1, *records[0].EPSActual)
	assert.Equal(t, domain.ReportDuringSession, records[1].ReportTime)
}

func TestSource_FetchGuidance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/guidance", r.URL.Path)
		assert.Equal(t, "NVDA", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"NVDA","data":[
			{"period":"Q3","year":2025,"releaseType":"final","releasedAt":"2025-08-27T20:00:00Z",
			 "epsGuidance":1.1,"epsEstimate":1.0,"method":"non-gaap"},
			{"period":"Q9","year":2025}
		]}`))
	})
	src := NewSource(client, time.UTC, zerolog.Nop())

	recs, err := src.FetchGuidance(context.Background(), "NVDA")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	g := recs[0]
	assert.Equal(t, domain.PeriodQ3, g.FiscalPeriod)
	assert.Equal(t, domain.ReleaseFinal, g.ReleaseType)
	assert.Equal(t, domain.MethodNonGAAP, g.Method)
	assert.Equal(t, time.Date(2025, 8, 27, 20, 0, 0, 0, time.UTC), g.ReleasedAt)
}
