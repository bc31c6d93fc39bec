package router

import (
	"context"
	"net/http"
	"strings"

	"app/internal/api/v1/handler"
	"app/internal/config"
	"app/internal/middleware"
	"app/internal/notify"
	"app/internal/repository"
	"app/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *pgxpool.Pool, error) {
	logger.Info().Str("environment", cfg.Environment).Msg("Router initializing")

	// In a development environment, ensure SSL is disabled for local testing.
	// In production the connection string carries the correct SSL settings.
	dsn := cfg.DBConnectionString
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "sslmode=disable"
	}

	pool, err := repository.NewPool(context.Background(), dsn)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	// Stripe credentials may live in Secret Manager instead of the env.
	if cfg.StripeKeySecretName != "" || cfg.StripeWebhookSecretName != "" {
		sm, err := service.NewSecretManagerService(context.Background())
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := sm.ConfigureStripeSecrets(context.Background(), cfg); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("Stripe secrets loaded from Secret Manager")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	// Notifications are optional; without a GCP project the notifier is a
	// no-op and lifecycle events are only logged.
	var notifier *notify.Notifier
	if cfg.GCPProjectID != "" {
		publisher, err := notify.NewPublisher(context.Background(), cfg)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		notifier = notify.NewNotifier(publisher, cfg.NotificationTopic, logger)
	}

	// Repositories
	subRepo := repository.NewSubscriptionRepo(pool)
	seatRepo := repository.NewSeatRepo(pool)
	usageRepo := repository.NewUsageRepo(pool)
	graceRepo := repository.NewGraceRepo(pool)
	eventRepo := repository.NewBillingEventRepo(pool)
	whitelistRepo := repository.NewWhitelistRepo(pool)

	// Services
	provider := service.NewStripeBillingProvider(cfg, logger)
	seatSvc := service.NewSeatService(cfg, seatRepo, subRepo, usageRepo, notifier, logger)
	licenseSvc := service.NewLicenseService(cfg, subRepo, seatRepo, usageRepo, graceRepo, whitelistRepo, notifier, logger)
	stripeSvc := service.NewStripeService(cfg, subRepo, seatRepo, eventRepo, usageRepo, whitelistRepo, seatSvc, provider, notifier, logger)
	seatSvc.SetQuantitySyncer(stripeSvc)

	// Handlers
	seatHandler := handler.NewSeatHandler(seatSvc, validate, logger)
	licenseHandler := handler.NewLicenseHandler(licenseSvc, logger)

	// Middleware
	authMw := middleware.AuthMiddleware(cfg.JWTSecret)
	licenseGate := middleware.LicenseGate(subRepo)

	r := chi.NewRouter()
	r.Route("/v1", func(api chi.Router) {
		// Webhook authenticates via Stripe signature, not JWT.
		api.Post("/webhook/stripe", stripeSvc.HandleWebhook)
		seatHandler.RegisterRoutes(api, authMw, licenseGate)
		licenseHandler.RegisterRoutes(api, authMw)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(c.Handler(r)), pool, nil
}
