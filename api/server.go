/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/ingest/*     Sync triggers and run history
  /api/contracts/*  Normalized contracts
  /api/customers/*  Holder rollups
  /api/rules/*      Versioned XP rules
  /api/ledger/*     XP entries and recomputation
  /api/months/*     Close/reopen locks
  /api/renewals/*   Risk report and pipeline actions
  /api/snapshots/*  KPI documents
  /api/demo/*       Demo scenario loaders (development only)

SECURITY NOTE:
  No authentication middleware. The engine runs behind the brokerage's
  internal gateway which terminates auth.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/ingest", func(r chi.Router) {
			r.Post("/incremental", h.TriggerIncremental)
			r.Post("/backfill", h.TriggerBackfill)
			r.Get("/runs", h.ListRuns)
		})

		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Get("/{id}", h.GetContract)
		})
		r.Get("/customers/{holderId}", h.GetCustomer)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRuleVersions)
			r.Post("/", h.CreateRuleVersion)
			r.Get("/resolve", h.ResolveRuleVersion)
			r.Get("/{id}", h.GetRuleVersion)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/{month}", h.ListLedgerMonth)
			r.Post("/{month}/compute", h.ComputeLedger)
		})

		r.Route("/months", func(r chi.Router) {
			r.Post("/{month}/close", h.CloseMonth)
			r.Post("/{month}/reopen", h.ReopenMonth)
		})

		r.Route("/renewals", func(r chi.Router) {
			r.Get("/", h.RenewalReport)
			r.Post("/actions", h.RecordAction)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Post("/build", h.BuildSnapshot)
			r.Get("/period", h.PeriodSnapshot)
			r.Get("/{month}", h.GetSnapshot)
			r.Get("/{month}/compare/{other}", h.CompareSnapshots)
		})

		r.Route("/demo", func(r chi.Router) {
			r.Get("/scenarios", h.ListDemoScenarios)
			r.Post("/load", h.LoadDemoScenario)
		})
	})

	return r
}
