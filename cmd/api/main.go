// Package main is the entry point for the Kepler API server.
//
// Kepler is a billing-gated front end over a symbolic-regression
// engine: callers upload tabular data, the billing core quotes and
// authorizes the run against their balance, the engine discovers a
// formula, and a successful run is charged exactly once with a ledger
// entry tied to the prediction.
//
// The server initializes, in order:
//  1. PostgreSQL (source of truth) and Redis (look-aside cache)
//  2. Cache warm-up and periodic sync
//  3. The billing service (gate + coordinator) over the store
//  4. The HTTP API, health checks and Prometheus metrics
//  5. Optionally, the RabbitMQ top-up consumer
//
// Configuration is via environment variables (12-factor); see
// internal/config. Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/auth"
	"github.com/keplerhq/kepler/internal/billing"
	"github.com/keplerhq/kepler/internal/config"
	"github.com/keplerhq/kepler/internal/engine"
	"github.com/keplerhq/kepler/internal/rest"
	"github.com/keplerhq/kepler/internal/store"
	"github.com/keplerhq/kepler/internal/sync"
	"github.com/keplerhq/kepler/internal/topup"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting kepler api server")

	grant, err := billing.ParseAmount(cfg.SignupGrant)
	if err != nil {
		logger.Fatal().Err(err).Str("value", cfg.SignupGrant).Msg("invalid SIGNUP_GRANT")
	}

	// Durable store first; nothing works without it.
	pg, err := store.Open(cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pg.Close()
	logger.Info().Msg("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	syncer := sync.NewSyncer(redisClient, pg, logger)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.WarmCache(warmCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to warm cache from postgres")
	}
	warmCancel()
	syncer.StartPeriodicSync(cfg.SyncInterval)
	defer syncer.Stop()

	authenticator := auth.NewAuthenticator(redisClient, pg, logger)
	engineClient := engine.NewClient(cfg.EngineURL, cfg.EngineDialTimeout, cfg.EngineReadTimeout, logger)
	metrics := billing.NewMetrics(prometheus.DefaultRegisterer)
	svc := billing.NewService(pg, authenticator, engineClient, metrics, grant, logger)

	var consumer *topup.Consumer
	if cfg.RabbitURL != "" {
		consumer, err = topup.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, svc, pg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		if err := consumer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start top-up consumer")
		}
		logger.Info().Str("queue", cfg.RabbitQueue).Msg("top-up consumer started")
	}

	mux := http.NewServeMux()
	rest.NewHandler(svc, pg, logger).WithBalanceCache(syncer).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Engine runs stream back through this server, so the write
		// timeout must outlast the longest training call.
		WriteTimeout: cfg.EngineReadTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	if consumer != nil {
		consumer.Close()
	}

	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger: pretty console output in
// development, JSON in production.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "kepler-api").
		Str("environment", environment).
		Logger()
}
