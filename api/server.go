/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for operator UIs

ROUTE GROUPS:
  /api/license-plates/*  Plate inventory and mutations
  /api/reservations/*    Reservation lifecycle
  /api/scenarios/*       Demo scenarios
  /metrics               Prometheus metrics
  /healthz               Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. gatherer may
// be nil to disable the /metrics endpoint.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Org", "X-Actor"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/license-plates", func(r chi.Router) {
			r.Get("/", h.ListLPs)
			r.Post("/", h.CreateLP)
			r.Post("/merge", h.MergeLPs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetLP)
				r.Get("/availability", h.GetAvailability)
				r.Get("/moves", h.GetMoves)
				r.Get("/qa-log", h.GetQALog)
				r.Get("/genealogy", h.GetGenealogy)
				r.Get("/reservations", h.ListReservations)

				r.Post("/split", h.SplitLP)
				r.Post("/transfer", h.TransferLP)
				r.Post("/adjust", h.AdjustLP)
				r.Post("/qa-status", h.ChangeQAStatus)
				r.Post("/status", h.ChangeStatus)
				r.Post("/reservations", h.ReserveLP)
			})
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/consume", h.ConsumeReservation)
			r.Post("/{id}/release", h.ReleaseReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
