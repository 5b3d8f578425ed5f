package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reviewloop/backend/internal/api/handlers"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/config"
	"github.com/reviewloop/backend/internal/jobs"
	"github.com/reviewloop/backend/internal/middleware"
	"github.com/reviewloop/backend/internal/ratelimit"
)

// Dependencies are the services the HTTP layer routes to.
type Dependencies struct {
	Health      *handlers.HealthChecker
	Auth        *auth.Middleware
	Accounts    handlers.Accounts
	Billing     handlers.Billing
	Webhook     http.Handler
	Meter       handlers.UsageMeter
	UsageStore  handlers.UsageStore
	Drafter     handlers.Drafter
	Maintenance handlers.Maintenance
	// JobStats is nil when the in-process scheduler is off.
	JobStats func() map[string]jobs.JobStats

	SigninLimiter *ratelimit.Limiter
	PublicLimiter *ratelimit.Limiter
}

// NewRouter creates and configures the main router
func NewRouter(cfg config.Config, deps Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	r.Use(middleware.CORS(cfg.CORSOrigins()))

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(deps.Accounts)
	billingHandler := handlers.NewBillingHandler(deps.Accounts, deps.Billing)
	usageHandler := handlers.NewUsageHandler(deps.Accounts, deps.Meter, deps.UsageStore)
	aiHandler := handlers.NewAIHandler(deps.Meter, deps.UsageStore, deps.Drafter)
	statusHandler := handlers.NewStatusHandler(deps.Maintenance, deps.JobStats, cfg.Env, cfg.GroqAPIKey != "")

	// Health endpoints
	r.Get("/health", deps.Health.Health)
	r.Get("/health/live", handlers.LivenessProbe)
	r.Get("/health/ready", deps.Health.ReadinessProbe)
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Verified by signature, not by session
		r.Method(http.MethodPost, "/billing/webhook", deps.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(deps.PublicLimiter, ratelimit.ByIP, ""))
			r.Post("/public/stores/{storeID}/scans", usageHandler.RecordScan)
			r.Post("/public/stores/{storeID}/copies", aiHandler.DraftCopy)
		})

		// Sign-in attempts count before the token is checked
		r.With(
			ratelimit.Middleware(deps.SigninLimiter, ratelimit.ByIP, "Too many sign-in attempts. Please wait a minute."),
			deps.Auth.Authenticate,
		).Post("/auth/signin", authHandler.SignIn)

		// Protected endpoints (require authentication)
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)

			r.Get("/me", authHandler.GetCurrentUser)
			r.Delete("/me", authHandler.DeleteAccount)
			r.Get("/usage", usageHandler.GetUsage)
			r.Delete("/stores/{storeID}", usageHandler.DeleteStore)

			r.Get("/billing/subscription", billingHandler.Subscription)
			r.Post("/billing/checkout", billingHandler.Checkout)
			r.Post("/billing/cancel", billingHandler.Cancel)

			r.With(deps.Auth.RequireAdmin).
				Post("/admin/billing/reconcile", billingHandler.Reconcile)
		})
	})

	// Operator endpoints
	r.Route("/internal", func(r chi.Router) {
		r.Use(auth.RequireOperator(cfg.OperatorSecret))
		r.Get("/status", statusHandler.GetStatus)
		r.Post("/cron/cleanup", statusHandler.Cleanup)
		r.Post("/cron/sync-usage", statusHandler.SyncUsage)
	})

	return r
}
