/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through the handler's slog logger
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/customers/*      Customer management
  /api/loans/*          Loans, payments, accruals
  /api/payments         Payment history
  /api/summaries/*      Monthly financial summaries
  /api/notifications/*  Due loans and appointments
  /api/admin/*          Sweep, recalculation, outbox
  /api/scenarios/*      Demo scenarios
  /health               Liveness
  /metrics              Prometheus (when a metrics handler is given)

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. metrics may
// be nil.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(h.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Put("/{id}", h.UpdateCustomer)
			r.Delete("/{id}", h.DeleteCustomer)
			r.Get("/{id}/loans", h.GetCustomerLoans)
			r.Post("/{id}/refresh", h.RefreshCustomer)
		})

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.CreateLoan)
			r.Get("/{id}", h.GetLoan)
			r.Delete("/{id}", h.DeleteLoan)
			r.Post("/{id}/payments", h.ApplyPayment)
			r.Get("/{id}/payments", h.GetLoanPayments)
			r.Get("/{id}/accruals", h.GetLoanAccruals)
			r.Post("/{id}/accrue", h.AccrueLoan)
			r.Post("/{id}/default", h.DefaultLoan)
		})

		r.Get("/payments", h.ListPayments)

		// Summary routes
		r.Route("/summaries", func(r chi.Router) {
			r.Get("/monthly", h.ListMonthlySummaries)
			r.Get("/monthly/{month}", h.GetMonthlySummary)
		})

		// Notification routes
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/due", h.DueLoans)
			r.Get("/upcoming", h.UpcomingLoans)
			r.Get("/appointments", h.Appointments)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweeps", h.ListSweeps)
			r.Get("/scheduler", h.GetSchedulerStatus)
			r.Post("/recalculate", h.RecalculateAll)
			r.Post("/summaries/rebuild", h.RebuildSummaries)
			r.Get("/outbox", h.ListPendingTasks)
			r.Post("/outbox/drain", h.DrainOutbox)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
