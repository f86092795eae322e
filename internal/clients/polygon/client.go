// Package polygon is the market-data provider client.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aristath/earnings/internal/clientdata"
	"github.com/aristath/earnings/internal/clients/provider"
	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the public Polygon API root.
	DefaultBaseURL = "https://api.polygon.io"

	// SourceName tags snapshots built from this provider.
	SourceName = "polygon"
)

// ErrNoData is returned when the provider answered 200 without a usable figure.
var ErrNoData = errors.New("no data")

// Client wraps the Polygon previous-close, last-trade and ticker-details endpoints.
type Client struct {
	http  *provider.HTTP
	cache provider.ResponseCache
	log   zerolog.Logger
}

// NewClient creates a Polygon client from provider options.
func NewClient(opts provider.Options, log zerolog.Logger) *Client {
	opts.Name = SourceName
	opts.APIKeyParam = "apiKey"
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Client{
		http: provider.NewHTTP(opts, log),
		log:  log.With().Str("client", SourceName).Logger(),
	}
}

// SetCache enables cache-first company-profile lookups.
func (c *Client) SetCache(cache provider.ResponseCache) {
	c.cache = cache
}

// Name implements domain.MarketDataProvider.
func (c *Client) Name() string {
	return SourceName
}

// FetchPreviousClose returns the prior session close.
func (c *Client) FetchPreviousClose(ctx context.Context, ticker string) (*PreviousClose, error) {
	var resp aggsResponse
	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev", ticker)
	if err := c.http.Get(ctx, path, map[string]string{"adjusted": "true"}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("previous close for %s: %w", ticker, ErrNoData)
	}
	return &PreviousClose{Ticker: ticker, Close: resp.Results[0].Close}, nil
}

// FetchLastTrade returns the last traded price.
func (c *Client) FetchLastTrade(ctx context.Context, ticker string) (*LastTrade, error) {
	var resp lastTradeResponse
	if err := c.http.Get(ctx, "/v2/last/trade/"+ticker, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		return nil, fmt.Errorf("last trade for %s: %w", ticker, ErrNoData)
	}
	return &LastTrade{Ticker: ticker, Price: resp.Results.Price}, nil
}

// FetchCompanyProfile returns name, market cap and share count. Share count prefers the
// share-class figure and falls back to the weighted figure.
func (c *Client) FetchCompanyProfile(ctx context.Context, ticker string) (*CompanyProfile, error) {
	return provider.CacheFirst(ctx, c.cache, c.log, clientdata.TableProfiles, ticker, clientdata.TTLCompanyProfile,
		func(ctx context.Context) (*CompanyProfile, error) {
			return c.fetchCompanyProfile(ctx, ticker)
		})
}

func (c *Client) fetchCompanyProfile(ctx context.Context, ticker string) (*CompanyProfile, error) {
	var resp tickerDetailsResponse
	if err := c.http.Get(ctx, "/v3/reference/tickers/"+ticker, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		return nil, &provider.APIError{
			Provider:   SourceName,
			StatusCode: http.StatusNotFound,
			Message:    "ticker details missing",
			Endpoint:   "/v3/reference/tickers/" + ticker,
		}
	}

	profile := &CompanyProfile{
		Ticker:    ticker,
		Name:      resp.Results.Name,
		MarketCap: resp.Results.MarketCap,
	}
	profile.SharesOutstanding = resp.Results.ShareClassSharesOutstanding
	if profile.SharesOutstanding == nil {
		profile.SharesOutstanding = resp.Results.WeightedSharesOutstanding
	}
	return profile, nil
}

// FetchQuote gathers all three sub-calls for a ticker. A failure in one never prevents the
// others; each failure is recorded in Quote.Errors.
func (c *Client) FetchQuote(ctx context.Context, ticker string, opts domain.QuoteOptions) domain.Quote {
	q := domain.Quote{Ticker: ticker, Errors: map[string]error{}}

	if prev, err := c.FetchPreviousClose(ctx, ticker); err != nil {
		q.Errors[domain.QuotePreviousClose] = err
	} else {
		q.PreviousClose = domain.Float(prev.Close)
	}

	if trade, err := c.FetchLastTrade(ctx, ticker); err != nil {
		q.Errors[domain.QuoteLastTrade] = err
	} else {
		q.CurrentPrice = domain.Float(trade.Price)
	}

	if !opts.SkipProfile {
		if profile, err := c.FetchCompanyProfile(ctx, ticker); err != nil {
			q.Errors[domain.QuoteProfile] = err
			q.ProfileNotFound = provider.IsNotFound(err)
		} else {
			q.CompanyName = profile.Name
			q.MarketCap = profile.MarketCap
			q.SharesOutstanding = profile.SharesOutstanding
		}
	}

	if len(q.Errors) > 0 {
		ev := c.log.Debug().Str("ticker", ticker)
		for part, err := range q.Errors {
			ev = ev.AnErr(part, err)
		}
		ev.Msg("Quote partially failed")
	}
	return q
}
