package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/locking"
	"github.com/aristath/earnings/internal/modules/market_hours"
	"github.com/aristath/earnings/internal/modules/pipeline"
)

// StateReader exposes daily state rows.
type StateReader interface {
	Get(ctx context.Context, date string) (*domain.DailyState, error)
}

// LockInspector exposes lock rows.
type LockInspector interface {
	Inspect(ctx context.Context, name string) (*domain.Lock, error)
}

// JobRunner executes pipeline runs on demand.
type JobRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// SystemHandlers handles operational endpoints: daily state, locks and manual runs.
type SystemHandlers struct {
	log    zerolog.Logger
	clock  *market_hours.Clock
	states StateReader
	locks  LockInspector
	runner JobRunner

	// asyncTimeout bounds detached runs started with wait=false.
	asyncTimeout time.Duration
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	log zerolog.Logger,
	clock *market_hours.Clock,
	states StateReader,
	locks LockInspector,
	runner JobRunner,
) *SystemHandlers {
	return &SystemHandlers{
		log:          log.With().Str("handler", "system").Logger(),
		clock:        clock,
		states:       states,
		locks:        locks,
		runner:       runner,
		asyncTimeout: 2 * time.Hour,
	}
}

// RegisterRoutes registers the operational routes
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/state/{date}", h.HandleGetState)
	r.Get("/locks/{name}", h.HandleGetLock)
	r.Post("/jobs/{kind}", h.HandleTriggerJob)
}

// HandleGetState handles GET /api/state/{date}
func (h *SystemHandlers) HandleGetState(w http.ResponseWriter, r *http.Request) {
	if h.states == nil {
		http.Error(w, "state machine not configured", http.StatusServiceUnavailable)
		return
	}
	date := chi.URLParam(r, "date")
	if _, err := domain.ParseDateKey(date); err != nil {
		http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	st, err := h.states.Get(r.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Str("date", date).Msg("Failed to read daily state")
		http.Error(w, "failed to read daily state", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// HandleGetLock handles GET /api/locks/{name}
func (h *SystemHandlers) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	if h.locks == nil {
		http.Error(w, "lock manager not configured", http.StatusServiceUnavailable)
		return
	}
	name := chi.URLParam(r, "name")

	lock, err := h.locks.Inspect(r.Context(), name)
	if errors.Is(err, locking.ErrNotFound) {
		http.Error(w, "lock not held", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("lock", name).Msg("Failed to inspect lock")
		http.Error(w, "failed to inspect lock", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	if h.clock != nil {
		now = h.clock.Now()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lock":    lock,
		"expired": lock.Expired(now),
	})
}

// HandleTriggerJob handles POST /api/jobs/{kind}?date=YYYY-MM-DD&wait=false
// Runs synchronously and returns the run result unless wait=false, in which case the run
// is detached and 202 is returned.
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		http.Error(w, "pipeline not configured", http.StatusServiceUnavailable)
		return
	}

	kind, err := pipeline.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" && h.clock != nil {
		date = h.clock.Today()
	}
	if _, err := domain.ParseDateKey(date); err != nil {
		http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	req := pipeline.Request{Kind: kind, Date: date}

	wait := true
	if raw := r.URL.Query().Get("wait"); raw != "" {
		if wait, err = strconv.ParseBool(raw); err != nil {
			http.Error(w, "invalid wait flag", http.StatusBadRequest)
			return
		}
	}

	if !wait {
		go h.runDetached(req)
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "accepted",
			"kind":   kind,
			"date":   date,
		})
		return
	}

	res, err := h.runner.Run(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(kind)).Str("date", date).Msg("Manual run failed")
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusOK
	if res.Skipped != "" {
		status = http.StatusConflict
	}
	h.writeJSON(w, status, res)
}

func (h *SystemHandlers) runDetached(req pipeline.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), h.asyncTimeout)
	defer cancel()

	res, err := h.runner.Run(ctx, req)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(req.Kind)).Str("date", req.Date).Msg("Detached run failed")
		return
	}
	h.log.Info().
		Str("kind", string(req.Kind)).
		Str("date", req.Date).
		Str("skipped", res.Skipped).
		Int("count", res.Count).
		Msg("Detached run finished")
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
