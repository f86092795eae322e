// Package handlers provides HTTP handlers for the exchange clock.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/earnings/internal/modules/market_hours"
	"github.com/rs/zerolog"
)

// Handler handles market clock HTTP requests
type Handler struct {
	clock *market_hours.Clock
	log   zerolog.Logger
}

// NewHandler creates a new market clock handler
func NewHandler(clock *market_hours.Clock, log zerolog.Logger) *Handler {
	return &Handler{
		clock: clock,
		log:   log.With().Str("handler", "market_hours").Logger(),
	}
}

// HandleGetClock handles GET /api/market/clock
// Returns the exchange-local date and whether it is a trading day
func (h *Handler) HandleGetClock(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	today := h.clock.Today()

	data := map[string]interface{}{
		"now":         now.Format(time.RFC3339),
		"timezone":    h.clock.Location().String(),
		"today":       today,
		"trading_day": h.clock.IsTradingDay(today),
	}
	if next, err := h.clock.NextTradingDay(today); err == nil {
		data["next_trading_day"] = next
	} else {
		h.log.Warn().Err(err).Str("date", today).Msg("Failed to resolve next trading day")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetHolidays handles GET /api/market/holidays?year=
func (h *Handler) HandleGetHolidays(w http.ResponseWriter, r *http.Request) {
	year := h.clock.Now().Year()
	if yearStr := r.URL.Query().Get("year"); yearStr != "" {
		parsed, err := strconv.Atoi(yearStr)
		if err != nil || parsed < 1900 || parsed > 2200 {
			http.Error(w, "invalid year", http.StatusBadRequest)
			return
		}
		year = parsed
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"year":     year,
			"holidays": h.clock.Holidays(year),
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
