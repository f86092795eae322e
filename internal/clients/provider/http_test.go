package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string `json:"value"`
}

func newTestHTTP(url string, timeout time.Duration) *HTTP {
	return NewHTTP(Options{
		Name:        "test",
		BaseURL:     url,
		APIKey:      "secret",
		APIKeyParam: "token",
		Timeout:     timeout,
	}, zerolog.Nop())
}

func TestGet_DecodesBodyAndSendsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/thing", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	h := newTestHTTP(server.URL, time.Second)
	var out payload
	err := h.Get(context.Background(), "/thing", map[string]string{"page": "1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
}

func TestGet_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := newTestHTTP(server.URL, time.Second).Get(context.Background(), "/x", nil, &payload{})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
	assert.True(t, IsTransient(err))
}

func TestGet_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	err := newTestHTTP(server.URL, time.Second).Get(context.Background(), "/x", nil, &payload{})
	var api *APIError
	require.True(t, errors.As(err, &api))
	assert.Equal(t, http.StatusBadGateway, api.StatusCode)
	assert.Equal(t, "boom", api.Message)
	assert.True(t, IsTransient(err))
	assert.False(t, IsNotFound(err))
}

func TestGet_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	err := newTestHTTP(server.URL, time.Second).Get(context.Background(), "/x", nil, &payload{})
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransient(err))
}

func TestGet_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	err := newTestHTTP(server.URL, 50*time.Millisecond).Get(context.Background(), "/slow", nil, &payload{})
	var to *TimeoutError
	require.True(t, errors.As(err, &to), "got %v", err)
	assert.Equal(t, "/slow", to.Endpoint)
	assert.True(t, IsTransient(err))
}

func TestGet_LimiterHonoursContext(t *testing.T) {
	h := NewHTTP(Options{Name: "test", BaseURL: "http://127.0.0.1:1", RatePerSecond: 0.001, Burst: 1}, zerolog.Nop())
	// Drain the single burst token.
	require.True(t, h.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.Get(ctx, "/x", nil, &payload{})
	var rl *RateLimitError
	assert.True(t, errors.As(err, &rl))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Second, retryAfter(""))
	assert.Equal(t, time.Second, retryAfter("soon"))
}
