package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// ResponseCache persists provider responses between runs, keyed by table and ticker.
// Missing keys return nil, nil.
type ResponseCache interface {
	GetIfFresh(ctx context.Context, table, key string) (json.RawMessage, error)
	Get(ctx context.Context, table, key string) (json.RawMessage, error)
	Store(ctx context.Context, table, key string, data interface{}, ttl time.Duration) error
}

// CacheFirst serves a fresh cached value when one exists, otherwise calls fetch and stores
// the result. When fetch fails with anything but not-found, a stale cached value is served
// instead of the error. A nil cache always fetches.
func CacheFirst[T any](
	ctx context.Context,
	cache ResponseCache,
	log zerolog.Logger,
	table, key string,
	ttl time.Duration,
	fetch func(context.Context) (T, error),
) (T, error) {
	if cache == nil {
		return fetch(ctx)
	}

	var cached T
	if raw, err := cache.GetIfFresh(ctx, table, key); err != nil {
		log.Warn().Err(err).Str("table", table).Str("key", key).Msg("Cache read failed")
	} else if raw != nil && json.Unmarshal(raw, &cached) == nil {
		return cached, nil
	}

	value, err := fetch(ctx)
	if err == nil {
		if serr := cache.Store(ctx, table, key, value, ttl); serr != nil {
			log.Warn().Err(serr).Str("table", table).Str("key", key).Msg("Cache write failed")
		}
		return value, nil
	}
	if IsNotFound(err) {
		return value, err
	}

	raw, gerr := cache.Get(ctx, table, key)
	if gerr != nil || raw == nil {
		return value, err
	}
	var stale T
	if json.Unmarshal(raw, &stale) != nil {
		return value, err
	}
	log.Warn().Err(err).Str("table", table).Str("key", key).Msg("Serving stale cached response")
	return stale, nil
}
