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
	"github.com/hackgods/patient-appointments/internal/config"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/logging"
	"github.com/hackgods/patient-appointments/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.WithComponent(logging.New(cfg.Env, cfg.LogLevel), "reminder-worker")
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.ReminderInterval).
		Str("timezone", cfg.ClinicTimezone).
		Bool("twilio", cfg.TwilioEnabled()).
		Msg("reminder worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, logger)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.TwilioEnabled() {
		sender = notify.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	}

	reminders := notify.NewReminders(
		appointment.NewPgRepository(pgPool),
		notify.NewNotifier(notify.NewPgStore(pgPool), sender, logger),
		cfg.Location(),
		logger,
	)

	runOnce(rootCtx, reminders, logger)

	ticker := time.NewTicker(cfg.ReminderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, reminders, logger)
		}
	}
}

func runOnce(ctx context.Context, reminders *notify.Reminders, logger zerolog.Logger) {
	// sends go out one by one, leave room for a slow SMS provider
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	sent, err := reminders.Run(runCtx, start)
	if err != nil {
		logger.Error().Err(err).Int("sent", sent).Msg("reminder run error")
		return
	}
	logger.Info().Int("sent", sent).Dur("took", time.Since(start)).Msg("reminder run complete")
}
