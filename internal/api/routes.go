package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Rules
	mux.Handle("GET /api/v1/rules", chain(http.HandlerFunc(h.ListRules)))
	mux.Handle("POST /api/v1/rules", chain(http.HandlerFunc(h.CreateRule)))
	mux.Handle("POST /api/v1/rules/preview", chain(http.HandlerFunc(h.PreviewRule)))
	mux.Handle("GET /api/v1/rules/{id}", chain(http.HandlerFunc(h.GetRule)))
	mux.Handle("PUT /api/v1/rules/{id}", chain(http.HandlerFunc(h.UpdateRule)))
	mux.Handle("DELETE /api/v1/rules/{id}", chain(http.HandlerFunc(h.DeleteRule)))
	mux.Handle("GET /api/v1/rules/{id}/dates", chain(http.HandlerFunc(h.RuleDates)))
	mux.Handle("POST /api/v1/rules/{id}/clone", chain(http.HandlerFunc(h.CloneRule)))

	// Handlers
	mux.Handle("GET /api/v1/handlers", chain(http.HandlerFunc(h.ListHandlers)))
}
