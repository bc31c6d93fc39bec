// The sweeper periodically blocks subscriptions whose grace periods lapsed
// between requests and prunes usage events past retention. It runs as a
// separate process so enforcement does not depend on request traffic.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"app/internal/config"
	"app/internal/logger"
	"app/internal/notify"
	"app/internal/repository"
	"app/internal/service"

	"github.com/joho/godotenv"
)

func main() {
	logger := logger.New()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repository.NewPool(ctx, cfg.DBConnectionString)
	if err != nil {
		logger.Fatal().Msgf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	logger.Info().Msg("Database connection established")

	var notifier *notify.Notifier
	if cfg.GCPProjectID != "" {
		publisher, err := notify.NewPublisher(ctx, cfg)
		if err != nil {
			logger.Fatal().Msgf("Failed to create Pub/Sub publisher: %v", err)
		}
		notifier = notify.NewNotifier(publisher, cfg.NotificationTopic, logger)
	}

	subRepo := repository.NewSubscriptionRepo(pool)
	seatRepo := repository.NewSeatRepo(pool)
	usageRepo := repository.NewUsageRepo(pool)
	graceRepo := repository.NewGraceRepo(pool)
	whitelistRepo := repository.NewWhitelistRepo(pool)
	licenseSvc := service.NewLicenseService(cfg, subRepo, seatRepo, usageRepo, graceRepo, whitelistRepo, notifier, logger)

	interval := time.Duration(cfg.SweepIntervalMin) * time.Minute
	logger.Info().Dur("interval", interval).Msg("Sweeper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once at startup so a long-expired grace period is not left open
	// until the first tick.
	if err := licenseSvc.Sweep(ctx); err != nil {
		logger.Error().Err(err).Msg("Sweep failed")
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Sweeper stopped gracefully")
			return
		case <-ticker.C:
			if err := licenseSvc.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}
