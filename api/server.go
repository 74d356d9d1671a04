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
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/reservations/*         Reservation lifecycle
  /api/maintenance-windows/*  Maintenance windows
  /api/skus/*                 Catalog and rate ledger
  /api/projects/*             Cost allocations
  /api/invoices/*             Monthly assembly, overrides, finalize
  /api/fees                   Fee subscriptions
  /api/hooks/*                Collaborator event ingestion
  /api/audit                  Audit log queries

SECURITY NOTE:
  No authentication middleware. Actor identities are recorded as given;
  an upstream gateway owns authentication.

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

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Get("/{id}", h.GetReservation)
			r.Get("/{id}/billable-hours", h.GetBillableHours)
			r.Post("/{id}/approve", h.ApproveReservation)
			r.Post("/{id}/decline", h.DeclineReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
		})

		// Maintenance window routes
		r.Route("/maintenance-windows", func(r chi.Router) {
			r.Post("/", h.CreateWindow)
			r.Get("/{id}", h.GetWindow)
			r.Put("/{id}", h.UpdateWindow)
			r.Delete("/{id}", h.DeleteWindow)
		})

		// Catalog and rate routes
		r.Route("/skus", func(r chi.Router) {
			r.Get("/", h.ListSKUs)
			r.Post("/", h.CreateSKU)
			r.Put("/{code}", h.UpdateSKU)
			r.Get("/{code}/rates", h.GetRateHistory)
			r.Post("/{code}/rates", h.AddRate)
			r.Get("/{code}/rates/as-of", h.GetRateAsOf)
		})

		// Allocation routes
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Post("/allocation", h.SubmitAllocation)
			r.Get("/allocation", h.GetAllocation)
			r.Post("/allocation/approve", h.ApproveAllocation)
			r.Post("/allocation/reject", h.RejectAllocation)
			r.Get("/split", h.GetEffectiveSplit)
		})

		// Invoice routes
		r.Route("/invoices/{year}/{month}", func(r chi.Router) {
			r.Get("/", h.GetInvoice)
			r.Post("/overrides", h.SetOverride)
			r.Post("/finalize", h.FinalizePeriod)
			r.Post("/unlock", h.UnlockPeriod)
		})

		// Fee subscription routes
		r.Post("/fees", h.CreateFeeSubscription)

		// Collaborator hooks
		r.Route("/hooks", func(r chi.Router) {
			r.Post("/node-types", h.NodeTypeSaved)
			r.Post("/project-roles", h.ProjectRoleChanged)
		})

		// Audit routes
		r.Get("/audit", h.QueryAudit)
	})

	return r
}
