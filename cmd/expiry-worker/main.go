package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/appointment"
	"github.com/hackgods/patient-appointments/internal/audit"
	"github.com/hackgods/patient-appointments/internal/config"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/logging"
	redisclient "github.com/hackgods/patient-appointments/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.WithComponent(logging.New(cfg.Env, cfg.LogLevel), "expiry-worker")
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("grace_period", cfg.UnpaidGracePeriod).
		Msg("expiry worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, logger)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()

	recorder := audit.NewRecorder(audit.NewPgStore(pgPool), logger)

	manager := appointment.NewManager(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL),
		nil, // expiry never touches payments through the service
		recorder,
		appointment.Options{
			UnpaidGracePeriod:    cfg.UnpaidGracePeriod,
			PaymentSettleTimeout: cfg.PaymentSettleBudget(),
			ReadRetry:            db.RetryPolicy{Attempts: cfg.ReadRetries, Backoff: cfg.ReadRetryBackoff},
		},
		logger,
	)

	// Run once at startup
	runOnce(rootCtx, manager, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, manager, logger)
		}
	}
}

func runOnce(ctx context.Context, manager *appointment.Manager, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := manager.ExpireUnpaid(runCtx, start)
	if err != nil {
		logger.Error().Err(err).Int("cancelled", n).Msg("expiry run error")
		return
	}
	logger.Info().Int("cancelled", n).Dur("took", time.Since(start)).Msg("expiry run complete")
}
