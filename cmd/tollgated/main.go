// Package main is the entry point for the Tollgate billing daemon.
//
// The daemon owns every background job of the metering and reconciliation
// engine:
//
//   - the compute metering cycle
//   - the LLM spend-sync dispatcher and its per-org worker pool
//   - the outbox replayer for failed provider writes
//   - the grace-period sweep
//   - the nightly reconciliation pass
//   - nightly partition and retention maintenance
//
// It also serves a small admin HTTP API for balance reads, fast reconcile
// triggers, health checks and Prometheus metrics.
//
// Configuration is via environment variables (12-factor app pattern).
// Shutdown on SIGTERM/SIGINT is graceful: the HTTP server drains first,
// then the supervisor stops ticking and waits for in-flight jobs.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/tollgate-dev/tollgate/internal/config"
	"github.com/tollgate-dev/tollgate/internal/enforce"
	"github.com/tollgate-dev/tollgate/internal/ledger"
	"github.com/tollgate-dev/tollgate/internal/llmsync"
	"github.com/tollgate-dev/tollgate/internal/metering"
	"github.com/tollgate-dev/tollgate/internal/outbox"
	"github.com/tollgate-dev/tollgate/internal/partition"
	"github.com/tollgate-dev/tollgate/internal/provider"
	"github.com/tollgate-dev/tollgate/internal/reconcile"
	"github.com/tollgate-dev/tollgate/internal/rest"
	"github.com/tollgate-dev/tollgate/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting tollgate daemon")

	// Redis is the hot-path balance mirror. The daemon runs without it,
	// falling back to Postgres reads, but refuses to start against a
	// configured-but-unreachable instance.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := ledger.Open(openCtx, cfg.PostgresURL)
	openCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()
	logger.Info().Msg("connected to postgres")

	store := ledger.NewStore(db, redisClient, cfg.BlockThreshold, logger)

	// Pre-populate the Redis mirror so balance reads are warm from the
	// first request.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.WarmMirror(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("balance mirror warm-up failed, reads will fall back to postgres")
	}
	warmCancel()

	// The billing provider is optional: without a Stripe key the engine
	// still meters and enforces, it just has nothing to mirror usage to
	// and nothing to reconcile against.
	var stripe *provider.Stripe
	if cfg.StripeAPIKey != "" {
		stripe = provider.NewStripe(cfg.StripeAPIKey, cfg.CreditsPerUSD, cfg.CreditsFeatureKey, logger)
		logger.Info().Msg("stripe billing provider configured")
	} else {
		logger.Warn().Msg("no stripe api key, usage mirroring and reconciliation disabled")
	}

	outboxStore := outbox.NewStore(db, logger)

	var meterMirror metering.UsageMirror
	var llmMirror llmsync.UsageMirror
	var topUpper enforce.TopUpper
	if stripe != nil {
		mirror := outbox.NewMirror(stripe, outboxStore, logger)
		meterMirror = mirror
		llmMirror = mirror
		topUpper = stripe
	}

	providers := map[string]enforce.SandboxProvider{
		"sessions": enforce.NewSessionTerminator(db),
	}
	enforcer := enforce.New(store, providers, nil, topUpper,
		cfg.GracePeriod, cfg.TopUpCredits, logger)

	cycle := metering.New(store, metering.NewSQLSessionSource(db),
		metering.HourlyPrice(cfg.ComputeCreditsPerHour), enforcer, meterMirror, logger)

	supervisor := schedule.NewSupervisor(cfg.QueueWorkers, logger)

	llmClient := llmsync.NewClient(cfg.LLMProxyAdminURL, cfg.LLMProxyMasterKey, logger)
	syncer := llmsync.New(store, llmsync.NewCursorStore(db), llmClient,
		llmsync.MarkupPrice(cfg.LLMMarkup, cfg.CreditsPerUSD),
		enforcer, llmMirror, supervisor, cfg.LookbackWindow, logger)

	maintainer := partition.New(db, cfg.DedupRetention, cfg.ArchiveAfterMonths, logger)

	supervisor.Every("metering", cfg.MeteringInterval, cycle.Run)
	supervisor.Every("grace-sweep", cfg.GraceSweepInterval, enforcer.SweepGrace)
	supervisor.Every("llm-dispatch", cfg.DispatchInterval, syncer.Dispatch)
	supervisor.Daily("maintenance", cfg.MaintenanceHourUTC, maintainer.Run)

	var reconciler *reconcile.Reconciler
	if stripe != nil {
		reconciler = reconcile.New(store, stripe, reconcile.Thresholds{
			Warn:     cfg.DriftWarn,
			Alert:    cfg.DriftAlert,
			Critical: cfg.DriftCritical,
		}, logger)
		supervisor.Daily("reconcile", cfg.ReconcileHourUTC, reconciler.RunNightly)

		replayer := outbox.NewReplayer(outboxStore, stripe, cfg.OutboxMaxAttempts, logger)
		supervisor.Every("outbox-replay", cfg.OutboxInterval, replayer.Run)
	}

	handler := rest.NewHandler(store, restReconciler(reconciler), db, logger)
	httpServer := handler.Server(cfg.HTTPPort)
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

	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("supervisor shutdown timed out")
	}
	logger.Info().Msg("supervisor stopped")

	logger.Info().Msg("shutdown complete")
}

// restReconciler adapts the optional reconciler for the HTTP handler. A nil
// reconciler turns the fast-reconcile endpoint into a clean error instead
// of a nil dereference.
func restReconciler(r *reconcile.Reconciler) rest.FastReconciler {
	if r == nil {
		return unconfiguredReconciler{}
	}
	return r
}

type unconfiguredReconciler struct{}

func (unconfiguredReconciler) ReconcileOrg(ctx context.Context, orgID string) error {
	return errors.New("no billing provider configured")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Pretty console output in development, JSON in production.
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
		Str("service", "tollgated").
		Str("environment", environment).
		Logger()
}
