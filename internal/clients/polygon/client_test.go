package polygon

import (
	"context"
	"encoding/json"
	"errors"
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

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(provider.Options{BaseURL: server.URL, APIKey: "k", Timeout: time.Second}, zerolog.Nop())
}

func fullMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/aggs/ticker/AAPL/prev", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"c":148.5}]}`))
	})
	mux.HandleFunc("/v2/last/trade/AAPL", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","results":{"p":150.25}}`))
	})
	mux.HandleFunc("/v3/reference/tickers/AAPL", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","results":{"name":"Apple Inc.","market_cap":2.3e12,
			"weighted_shares_outstanding":15000000000}}`))
	})
	return mux
}

func TestFetchQuote_AllParts(t *testing.T) {
	client := newTestClient(t, fullMux())

	q := client.FetchQuote(context.Background(), "AAPL", domain.QuoteOptions{})
	assert.Empty(t, q.Errors)
	require.NotNil(t, q.PreviousClose)
	require.NotNil(t, q.CurrentPrice)
	require.NotNil(t, q.SharesOutstanding)
	assert.Equal(t, 148.5, *q.PreviousClose)
	assert.Equal(t, 150.25, *q.CurrentPrice)
	assert.Equal(t, 15e9, *q.SharesOutstanding)
	assert.Equal(t, "Apple Inc.", q.CompanyName)
}

func TestFetchQuote_PartialFailureDoesNotAbortOthers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/aggs/ticker/AAPL/prev", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v2/last/trade/AAPL", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","results":{"p":150.25}}`))
	})
	// ticker details unregistered: 404
	client := newTestClient(t, mux)

	q := client.FetchQuote(context.Background(), "AAPL", domain.QuoteOptions{})
	assert.True(t, q.Failed(domain.QuotePreviousClose))
	assert.False(t, q.Failed(domain.QuoteLastTrade))
	assert.True(t, q.Failed(domain.QuoteProfile))
	assert.True(t, q.ProfileNotFound)
	require.NotNil(t, q.CurrentPrice)
	assert.Nil(t, q.PreviousClose)
	assert.True(t, provider.IsTransient(q.Errors[domain.QuotePreviousClose]))
}

func TestFetchPreviousClose_NoResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/aggs/ticker/ZZZZ/prev", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("apiKey"))
		_, _ = w.Write([]byte(`{"status":"OK","results":[]}`))
	})
	client := newTestClient(t, mux)

	_, err := client.FetchPreviousClose(context.Background(), "ZZZZ")
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestFetchCompanyProfile_PrefersShareClassShares(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/reference/tickers/GOOG", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":{"name":"Alphabet","share_class_shares_outstanding":5.8e9,
			"weighted_shares_outstanding":12.2e9}}`))
	})
	client := newTestClient(t, mux)

	p, err := client.FetchCompanyProfile(context.Background(), "GOOG")
	require.NoError(t, err)
	require.NotNil(t, p.SharesOutstanding)
	assert.Equal(t, 5.8e9, *p.SharesOutstanding)
	assert.Nil(t, p.MarketCap)
}

func TestFetchCompanyProfile_MissingResultsIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/reference/tickers/GONE", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})
	client := newTestClient(t, mux)

	_, err := client.FetchCompanyProfile(context.Background(), "GONE")
	assert.True(t, provider.IsNotFound(err))
}

func TestFetchQuote_SkipProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/aggs/ticker/AAPL/prev", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"c":148.5}]}`))
	})
	mux.HandleFunc("/v2/last/trade/AAPL", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","results":{"p":150.25}}`))
	})
	client := newTestClient(t, mux)

	// An unregistered profile route would 404 and be recorded as a failure.
	q := client.FetchQuote(context.Background(), "AAPL", domain.QuoteOptions{SkipProfile: true})
	assert.NotNil(t, q.CurrentPrice)
	assert.Nil(t, q.SharesOutstanding)
	assert.False(t, q.Failed(domain.QuoteProfile))
	assert.Empty(t, q.Errors)
}

type memCache struct {
	fresh map[string]json.RawMessage
	stale map[string]json.RawMessage
}

func (m *memCache) GetIfFresh(_ context.Context, table, key string) (json.RawMessage, error) {
	return m.fresh[table+"/"+key], nil
}

func (m *memCache) Get(_ context.Context, table, key string) (json.RawMessage, error) {
	if v, ok := m.fresh[table+"/"+key]; ok {
		return v, nil
	}
	return m.stale[table+"/"+key], nil
}

func (m *memCache) Store(_ context.Context, table, key string, data interface{}, _ time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.fresh[table+"/"+key] = raw
	return nil
}

func TestFetchCompanyProfile_CacheFirst(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/reference/tickers/AAPL", func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"status":"OK","results":{"name":"Apple Inc.","share_class_shares_outstanding":15000000000}}`))
	})
	client := newTestClient(t, mux)
	cache := &memCache{fresh: map[string]json.RawMessage{}, stale: map[string]json.RawMessage{}}
	client.SetCache(cache)

	for i := 0; i < 3; i++ {
		profile, err := client.FetchCompanyProfile(context.Background(), "AAPL")
		require.NoError(t, err)
		assert.Equal(t, "Apple Inc.", profile.Name)
		require.NotNil(t, profile.SharesOutstanding)
		assert.Equal(t, 15e9, *profile.SharesOutstanding)
	}
	assert.Equal(t, 1, hits)
}

func TestFetchCompanyProfile_StaleOnOutage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/reference/tickers/AAPL", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client := newTestClient(t, mux)
	cache := &memCache{
		fresh: map[string]json.RawMessage{},
		stale: map[string]json.RawMessage{"polygon_profiles/AAPL": json.RawMessage(`{"ticker":"AAPL","name":"Apple (cached)"}`)},
	}
	client.SetCache(cache)

	profile, err := client.FetchCompanyProfile(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple (cached)", profile.Name)
}
