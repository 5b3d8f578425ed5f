// Package app wires configuration into the running services shared by the
// API server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/ai"
	"github.com/reviewloop/backend/internal/api"
	"github.com/reviewloop/backend/internal/api/handlers"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/billing"
	"github.com/reviewloop/backend/internal/cache"
	"github.com/reviewloop/backend/internal/config"
	"github.com/reviewloop/backend/internal/database"
	"github.com/reviewloop/backend/internal/events"
	"github.com/reviewloop/backend/internal/jobs"
	"github.com/reviewloop/backend/internal/ratelimit"
	"github.com/reviewloop/backend/internal/repository"
	"github.com/reviewloop/backend/internal/service"
	"github.com/reviewloop/backend/internal/usage"
)

// tokenTTL is the lifetime of tokens minted by the CLI for local testing.
const tokenTTL = 24 * time.Hour

// App holds the constructed services.
type App struct {
	Config    config.Config
	DB        *database.DB
	Counter   cache.Counter
	Publisher events.Publisher

	Users    *repository.UserRepository
	Usage    *repository.UsageRepository
	Tracker  *usage.Tracker
	Billing  *billing.Service
	Accounts *service.AccountService
	Jobs     *jobs.Jobs
	JWT      *auth.JWTService
}

// New connects to the database, the counter store and, when configured, the
// event broker, and builds the services on top of them.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := database.New(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	counter, err := cache.Open(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect counter store: %w", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			// Events are advisory; run without them rather than not at all.
			log.Error().Err(err).Msg("Event broker unavailable, events disabled")
		} else {
			publisher = amqpPublisher
		}
	}

	users := repository.NewUserRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	tracker := usage.NewTracker(users, usageRepo, counter, usage.Limits{
		Scans:  cfg.FreeMonthlyScans,
		Copies: cfg.FreeMonthlyCopies,
	})

	billingService := billing.NewService(users, billing.NewStripeProcessor(cfg.StripeSecretKey), publisher, billing.Config{
		ProPriceID:   cfg.StripeProPriceID,
		AppURL:       cfg.AppURL,
		RefundWindow: cfg.RefundWindow,
	})

	return &App{
		Config:    cfg,
		DB:        db,
		Counter:   counter,
		Publisher: publisher,
		Users:     users,
		Usage:     usageRepo,
		Tracker:   tracker,
		Billing:   billingService,
		Accounts:  service.NewAccountService(users, cfg.DeletionGrace),
		Jobs:      jobs.New(users, tracker, publisher, cfg.DeletionGrace),
		JWT:       auth.NewJWTService(cfg.JWTSecret, tokenTTL),
	}, nil
}

// Router builds the HTTP handler. scheduler may be nil.
func (a *App) Router(scheduler *jobs.Scheduler) (http.Handler, error) {
	cfg := a.Config

	signin, err := ratelimit.New(a.Counter, ratelimit.Config{
		Name:   "signin",
		Max:    cfg.SigninRateLimit,
		Window: time.Minute,
		Policy: ratelimit.FailClosed,
	})
	if err != nil {
		return nil, err
	}
	public, err := ratelimit.New(a.Counter, ratelimit.Config{
		Name:   "public",
		Max:    cfg.PublicRateLimit,
		Window: time.Minute,
		Policy: ratelimit.FailOpen,
	})
	if err != nil {
		return nil, err
	}
	budget, err := ratelimit.New(a.Counter, ratelimit.Config{
		Name:   "ai-budget",
		Max:    cfg.AIDailyBudget,
		Window: 24 * time.Hour,
		Policy: ratelimit.FailOpen,
		Loud:   true,
	})
	if err != nil {
		return nil, err
	}

	var client *ai.Client
	if cfg.GroqAPIKey != "" {
		client = ai.NewClient(cfg.GroqAPIKey, cfg.AIModel, "", 0)
	}

	health := handlers.NewHealthChecker().
		Add("database", true, a.DB.Ping).
		Add("redis", false, a.Counter.Health)

	deps := api.Dependencies{
		Health:        health,
		Auth:          auth.NewMiddleware(a.JWT, cfg.AdminEmails()),
		Accounts:      a.Accounts,
		Billing:       a.Billing,
		Webhook:       billing.NewWebhookHandler(cfg.StripeWebhookSecret, a.Billing),
		Meter:         a.Tracker,
		UsageStore:    a.Usage,
		Drafter:       ai.NewDrafter(client, budget),
		Maintenance:   a.Jobs,
		SigninLimiter: signin,
		PublicLimiter: public,
	}
	if scheduler != nil {
		deps.JobStats = scheduler.Stats
	}
	return api.NewRouter(cfg, deps), nil
}

// Close releases connections.
func (a *App) Close() {
	a.Publisher.Close()
	if closer, ok := a.Counter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close counter store")
		}
	}
	a.DB.Close()
}
