package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/querybridge/querybridge/core/engine"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/observability"
)

// RegisterRoutes wires the engine's operations onto the router
func RegisterRoutes(r *chi.Mux, eng *engine.Engine) {
	log := logging.New("routes")

	registry := eng.Definitions()

	r.Route("/queries", func(r chi.Router) {
		r.Use(CredentialID)
		r.Post("/batch", handleBatch(eng))
		r.Post("/{queryID}/execute", handleExecute(eng))
	})

	r.Route("/definitions", func(r chi.Router) {
		r.Get("/", handleListDefinitions(registry))
		r.Post("/validate", handleValidateDefinition(eng))
		r.Get("/{queryID}", handleGetDefinition(registry))
	})

	r.Get("/schema/{dataSource}", handleSchema(eng))
	r.Get("/health", handleHealth(eng))

	r.Route("/stats", func(r chi.Router) {
		r.Get("/", handleStatistics(eng))
		r.Get("/summary", handleMetricsSummary(eng))
		r.Get("/history", handleHistory(eng))
	})

	r.Post("/cache/invalidate", handleCacheInvalidate(eng))

	r.Handle("/metrics", observability.MetricsHandler())

	r.Get("/heartbeat", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	log.Info("HTTP routes registered")
}
