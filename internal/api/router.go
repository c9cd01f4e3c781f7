/**
 * @description
 * This file sets up the HTTP router for the rewards-service. It defines the admin API
 * endpoints, associates them with their handlers, and applies operator authentication
 * to everything except the health and metrics probes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the admin console.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RewardsRoutes creates and returns a new router for the rewards service.
func RewardsRoutes(h *RewardsHandlers, auth AuthOptions, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", internalKeyHeader, operatorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/rewards", func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(auth))

		r.Route("/cycles/{cycleID}", func(r chi.Router) {
			r.Get("/selection", h.ListWinnersHandler)
			r.Post("/selection", h.RunSelectionHandler)
			r.Delete("/selection", h.ClearSelectionHandler)
			r.Post("/selection/save", h.SaveSelectionHandler)
			r.Post("/selection/seal", h.SealSelectionHandler)
			r.Post("/selection/unseal", h.UnsealSelectionHandler)
			r.Get("/selection/audit", h.ListSelectionAuditHandler)

			r.Patch("/winners/{winnerID}", h.UpdateWinnerHandler)
			r.Post("/disbursements", h.ProcessDisbursementsHandler)
		})

		r.Route("/payout-batches/{batchID}", func(r chi.Router) {
			r.Get("/", h.GetBatchStatusHandler)
			r.Post("/resume", h.ResumeBatchHandler)
			r.Post("/reconcile", h.ReconcileBatchHandler)
			r.Post("/retry", h.RetryBatchHandler)
			r.Post("/cancel", h.CancelBatchHandler)
		})
	})

	return r
}
