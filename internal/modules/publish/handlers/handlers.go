// Package handlers provides HTTP handlers for published snapshots and the cache.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler serves published snapshots
type Handler struct {
	publisher *publish.Publisher
	log       zerolog.Logger
}

// NewHandler creates a new publish handler
func NewHandler(publisher *publish.Publisher, log zerolog.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		log:       log.With().Str("handler", "publish").Logger(),
	}
}

// HandleGetEarnings handles GET /api/earnings/{date}
func (h *Handler) HandleGetEarnings(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := domain.ParseDateKey(date); err != nil {
		http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	pub, err := h.publisher.GetPublished(r.Context(), date)
	if errors.Is(err, publish.ErrNotPublished) {
		http.Error(w, "no snapshot published for "+date, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("date", date).Msg("Failed to read published snapshot")
		http.Error(w, "failed to read snapshot", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": pub.Data,
		"metadata": map[string]interface{}{
			"date":                  pub.Date,
			"version":               pub.Version,
			"published_at":          pub.PublishedAt.Format(time.RFC3339),
			"coverage":              pub.Coverage,
			"freshness":             pub.Freshness,
			"soft_empty":            pub.SoftEmpty,
			"no_earnings_confirmed": pub.NoEarningsConfirmed,
			"timestamp":             time.Now().Format(time.RFC3339),
		},
	})
}

// HandleClearCache handles POST /api/cache/clear?pattern=
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		http.Error(w, "pattern is required", http.StatusBadRequest)
		return
	}

	removed, err := h.publisher.Store().ClearNamespace(r.Context(), pattern)
	if err != nil {
		h.log.Warn().Err(err).Str("pattern", pattern).Msg("Cache clear failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"pattern": pattern,
			"removed": removed,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
