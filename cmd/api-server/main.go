package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/api"
	"github.com/hackgods/patient-appointments/internal/appointment"
	"github.com/hackgods/patient-appointments/internal/audit"
	"github.com/hackgods/patient-appointments/internal/config"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/logging"
	"github.com/hackgods/patient-appointments/internal/notify"
	"github.com/hackgods/patient-appointments/internal/payment"
	redisclient "github.com/hackgods/patient-appointments/internal/redis"
	"github.com/hackgods/patient-appointments/internal/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("version", version).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, logging.WithComponent(logger, "postgres"))
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Connect Redis
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
	logger.Info().Msg("connected to Redis")

	recorder := audit.NewRecorder(audit.NewPgStore(pgPool), logging.WithComponent(logger, "audit"))
	notifier := notify.NewNotifier(notify.NewPgStore(pgPool), newSender(cfg, logger), logging.WithComponent(logger, "notify"))

	gateway := payment.NewGateway().
		Register(payment.MethodMTNMoMo, payment.NewMTNSimulator(cfg.PaymentDelay, cfg.PaymentSuccessRate, nil)).
		Register(payment.MethodAirtelMoney, payment.NewAirtelSimulator(cfg.PaymentDelay, cfg.PaymentSuccessRate, nil))

	payments := payment.NewService(
		payment.NewPgRepository(pgPool),
		gateway,
		recorder,
		notifier,
		payment.Options{
			ProviderTimeout:    cfg.ProviderTimeout,
			ProviderRetries:    cfg.ProviderRetries,
			ProviderRetryDelay: cfg.ProviderRetryDelay,
		},
		logging.WithComponent(logger, "payment"),
	)

	appointments := appointment.NewManager(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL),
		payments,
		recorder,
		appointment.Options{
			UnpaidGracePeriod:    cfg.UnpaidGracePeriod,
			PaymentSettleTimeout: cfg.PaymentSettleBudget(),
			ReadRetry:            db.RetryPolicy{Attempts: cfg.ReadRetries, Backoff: cfg.ReadRetryBackoff},
		},
		logging.WithComponent(logger, "appointment"),
	)

	router := api.NewRouter(api.RouterConfig{
		Appointments: appointments,
		Payments:     payments,
		Auth:         session.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		PostgresPing: pgPool.Ping,
		RedisPing:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		Logger:       logging.WithComponent(logger, "http"),
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// ?wait=true on payment endpoints can hold a request for up to 30s
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	if err := payments.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("payment submissions still in flight at shutdown")
	}

	logger.Info().Msg("api-server stopped")
}

// newSender picks Twilio when credentials are configured and falls back to
// logging messages otherwise.
func newSender(cfg config.Config, logger zerolog.Logger) notify.Sender {
	if cfg.TwilioEnabled() {
		logger.Info().Str("from", cfg.TwilioFromNumber).Msg("sms via twilio")
		return notify.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	}
	logger.Warn().Msg("twilio not configured, sms will only be logged")
	return notify.NewLogSender(logging.WithComponent(logger, "sms"))
}
