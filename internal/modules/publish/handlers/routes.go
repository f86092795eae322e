package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes registers the snapshot and cache routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/earnings/{date}", h.HandleGetEarnings)
	r.Post("/cache/clear", h.HandleClearCache)
}
