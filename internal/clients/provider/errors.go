package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// APIError is a non-success HTTP response from a provider.
type APIError struct {
	Provider   string
	Endpoint   string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %s (status: %d, endpoint: %s)", e.Provider, e.Message, e.StatusCode, e.Endpoint)
}

// RateLimitError is returned when the provider answered 429 or the local limiter
// could not grant a token before the context ended.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %v", e.Provider, e.RetryAfter)
}

// TimeoutError is a request that did not complete within the client timeout.
type TimeoutError struct {
	Provider string
	Endpoint string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request timed out (endpoint: %s)", e.Provider, e.Endpoint)
}

// IsTransient reports whether err is worth retrying on a later tick:
// rate limits, timeouts and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.StatusCode == http.StatusNotFound
}

func classifyTransportError(providerName, endpoint string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: providerName, Endpoint: endpoint}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Provider: providerName, Endpoint: endpoint}
	}
	return fmt.Errorf("%s request failed (endpoint: %s): %w", providerName, endpoint, err)
}
