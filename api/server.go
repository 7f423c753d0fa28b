/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request, echoed in error bodies and logs
  2. Logger:       One logrus line per request
  3. Recoverer:    Panic recovery (500 instead of crash)
  4. CORS:         Cross-origin requests for the frontend
  5. authenticate: Actor from X-Actor-ID / X-Actor-Role (all of /api
                   except /api/health)

ROUTE GROUPS:
  /api/health            Liveness + database ping
  /api/kitchens/*        Kitchens (writes: ADMIN)
  /api/items/*           Items (writes: MANAGER)
  /api/suppliers/*       Suppliers
  /api/stock/*           Levels, movements, ledger history, verification
  /api/purchases/*       Supplier deliveries
  /api/transfers/*       Transfer workflow
  /api/reports/*         Valuation + XLSX export (MANAGER)
  /api/dashboard         Kitchen summary
  /api/audit             Audit trail (ADMIN)
  /api/reconciliation/*  Background verification (MANAGER)
  /api/scenarios/*       Demo data (ADMIN, only with AllowReset)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: identity + role middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/stock-engine/ledger"
)

// RouterOptions configures cross-cutting HTTP behavior.
type RouterOptions struct {
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(authenticate)

			r.Route("/kitchens", func(r chi.Router) {
				r.Get("/", h.ListKitchens)
				r.Get("/{id}", h.GetKitchen)
				r.With(requireRole(ledger.RoleAdmin)).Post("/", h.CreateKitchen)
				r.With(requireRole(ledger.RoleAdmin)).Put("/{id}/geofence", h.UpdateGeofence)
			})

			r.Route("/items", func(r chi.Router) {
				r.Get("/", h.ListItems)
				r.Get("/categories", h.ListCategories)
				r.With(requireRole(ledger.RoleManager)).Post("/", h.CreateItem)
				r.With(requireRole(ledger.RoleManager)).Patch("/{id}", h.UpdateItem)
			})

			r.Route("/suppliers", func(r chi.Router) {
				r.With(requireRole(ledger.RoleStorekeeper)).Get("/", h.ListSuppliers)
				r.With(requireRole(ledger.RoleManager)).Post("/", h.CreateSupplier)
			})

			r.Route("/stock", func(r chi.Router) {
				r.Get("/levels", h.StockLevels)
				r.Get("/low", h.LowStock)
				r.Get("/entries", h.ListEntries)
				r.With(requireRole(ledger.RoleStorekeeper)).Post("/adjustments", h.CreateAdjustment)
				r.With(requireRole(ledger.RoleStorekeeper)).Post("/consumption", h.CreateConsumption)
				r.With(requireRole(ledger.RoleManager)).Get("/verify", h.VerifyStock)
			})

			r.Route("/purchases", func(r chi.Router) {
				r.Use(requireRole(ledger.RoleStorekeeper))
				r.Get("/", h.ListPurchases)
				r.Post("/", h.ReceivePurchase)
			})

			r.Route("/transfers", func(r chi.Router) {
				r.Get("/", h.ListTransfers)
				r.Get("/{id}", h.GetTransfer)
				r.With(requireRole(ledger.RoleStorekeeper)).Post("/", h.CreateTransfer)
				r.With(requireRole(ledger.RoleManager)).Post("/{id}/approve", h.ApproveTransfer)
				r.With(requireRole(ledger.RoleStorekeeper)).Post("/{id}/dispatch", h.DispatchTransfer)
				r.With(requireRole(ledger.RoleStorekeeper)).Post("/{id}/receive", h.ReceiveTransfer)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Use(requireRole(ledger.RoleManager))
				r.Get("/valuation", h.Valuation)
				r.Get("/valuation.xlsx", h.ExportValuation)
			})

			r.Get("/dashboard", h.Dashboard)
			r.With(requireRole(ledger.RoleAdmin)).Get("/audit", h.ListAuditEvents)

			r.Route("/reconciliation", func(r chi.Router) {
				r.Use(requireRole(ledger.RoleManager))
				r.Get("/last", h.LastVerification)
				r.Post("/run", h.TriggerVerification)
			})

			if h.AllowReset && h.Backend != nil {
				r.Route("/scenarios", func(r chi.Router) {
					r.Use(requireRole(ledger.RoleAdmin))
					r.Get("/", h.ListScenarios)
					r.Get("/current", h.GetCurrentScenario)
					r.Post("/load", h.LoadScenario)
					r.Post("/reset", h.ResetDatabase)
				})
			}
		})
	})

	return r
}
