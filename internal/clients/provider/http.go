// Package provider holds the HTTP plumbing shared by the external data-provider clients:
// resty construction, token-bucket rate limiting and error classification.
package provider

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 5 * time.Second

// Options configures an HTTP client for one provider.
type Options struct {
	Name          string
	BaseURL       string
	APIKey        string
	APIKeyParam   string // query parameter carrying the key
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// HTTP is a rate-limited JSON client for a single provider.
type HTTP struct {
	client  *resty.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	name    string
}

// NewHTTP builds the shared client. A non-positive rate disables local limiting.
func NewHTTP(opts Options, log zerolog.Logger) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" && opts.APIKeyParam != "" {
		client.SetQueryParam(opts.APIKeyParam, opts.APIKey)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &HTTP{
		client:  client,
		limiter: limiter,
		log:     log.With().Str("client", opts.Name).Logger(),
		name:    opts.Name,
	}
}

// Name returns the provider name used in errors and logs.
func (h *HTTP) Name() string {
	return h.name
}

// SetBaseURL repoints the client, used by tests against httptest servers.
func (h *HTTP) SetBaseURL(url string) {
	h.client.SetBaseURL(strings.TrimRight(url, "/"))
}

// Get waits for a limiter token, performs the request and decodes a 200 body into result.
func (h *HTTP) Get(ctx context.Context, path string, params map[string]string, result interface{}) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return &RateLimitError{Provider: h.name, RetryAfter: time.Second}
	}

	h.log.Debug().Str("path", path).Msg("Provider request")

	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return classifyTransportError(h.name, path, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return &RateLimitError{Provider: h.name, RetryAfter: retryAfter(resp.Header().Get("Retry-After"))}
	case resp.StatusCode() != http.StatusOK:
		return &APIError{
			Provider:   h.name,
			StatusCode: resp.StatusCode(),
			Message:    strings.TrimSpace(string(resp.Body())),
			Endpoint:   path,
		}
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
