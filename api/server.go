/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the patient and admin frontends
  5. Actor:      Caller identity from X-Actor-ID / X-Actor-Role

ROUTE GROUPS:
  /api/rewards/*       Program info and points preview (public)
  /api/admin/*         Configurations, seasons, reports (admin)
  /api/transactions/*  Completion events from checkout
  /api/appointments/*  Status events from scheduling
  /api/patients/*      Balance, history, manual points, redemptions, card
  /api/scenarios/*     Demo scenarios
  /metrics             Prometheus

AUTHENTICATION:
  Tokens are verified by the gateway in front of this service, which
  forwards the caller as X-Actor-ID and X-Actor-Role.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Actor and role checks
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/carepoint/rewards-engine/metrics"
	"github.com/carepoint/rewards-engine/rewards"
)

type RouterConfig struct {
	CORSOrigins []string
	Metrics     *metrics.Metrics // nil disables /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))
	if cfg.Metrics != nil {
		r.Use(countRequests(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	staff := []string{rewards.RoleAdmin, rewards.RoleClinic, rewards.RoleSystem}

	r.Route("/api", func(r chi.Router) {
		r.Use(Actor)

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/info", h.GetRewardsInfo)
			r.Get("/partners", h.ListPartnerShops)
			r.Post("/calculate", h.CalculatePoints)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(rewards.RoleAdmin))

			r.Route("/configurations", func(r chi.Router) {
				r.Get("/", h.ListConfigurations)
				r.Post("/", h.CreateConfiguration)
				r.Get("/{id}", h.GetConfiguration)
				r.Put("/{id}", h.UpdateConfiguration)
				r.Delete("/{id}", h.DeleteConfiguration)
			})
			r.Route("/seasons", func(r chi.Router) {
				r.Get("/", h.ListSeasons)
				r.Post("/", h.CreateSeason)
				r.Get("/{id}", h.GetSeason)
				r.Put("/{id}", h.UpdateSeason)
				r.Delete("/{id}", h.DeleteSeason)
			})
			r.Get("/top-earners", h.TopEarners)
			r.Get("/partner-shops", h.ListPartnerShops)
		})

		r.With(RequireRole(staff...)).Post("/transactions/completed", h.TransactionCompleted)
		r.With(RequireRole(staff...)).Post("/appointments/{id}/status", h.AppointmentStatusChanged)

		r.Route("/patients/{id}", func(r chi.Router) {
			r.Get("/rewards", h.GetRewardsSummary)
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
			r.With(RequireRole(rewards.RoleClinic, rewards.RoleAdmin)).Post("/points", h.AddPoints)
			r.Post("/redemptions", h.Redeem)
			r.Get("/card", h.GetCard)
			r.Post("/card", h.RequestCard)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(RequireRole(rewards.RoleAdmin)).Post("/load", h.LoadScenario)
		})
	})

	return r
}
