package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"tracker/internal/backend"
	"tracker/internal/cache"
	"tracker/internal/cli"
	"tracker/internal/config"
	"tracker/internal/dashboard"
	apphttp "tracker/internal/http"
	applog "tracker/internal/log"
	"tracker/internal/session"
	"tracker/internal/stream"
	"tracker/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = 5 * time.Minute
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Tracker stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *applog.Logger) error {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	result, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", applog.FieldError, err)
		}
	}()

	authCfg := session.Config{
		Secret:   []byte(cfg.JWTSecret),
		TokenTTL: cfg.TokenTTL,
	}
	if cfg.GoogleClientID != "" {
		authCfg.Federated = session.NewGoogleVerifier(cfg.GoogleClientID)
	}
	auth := session.NewAuthenticator(result.Users, authCfg, logger)

	registry := dashboard.NewRegistry(result.Store, auth, dashboard.Options{
		Currency: cfg.CurrencySymbol,
		Policy: stream.ResubscribePolicy{
			MaxAttempts: cfg.ResubscribeMaxAttempts,
			BaseDelay:   cfg.ResubscribeBaseDelay,
			MaxDelay:    cfg.ResubscribeMaxDelay,
		},
	}, cfg.MaxSessions, cfg.SessionIdleTTL, logger)
	defer registry.CloseAll()

	srv := apphttp.NewServer(":"+cfg.Port, registry, result.Ready, apphttp.DefaultOptions(), logger)
	srv.ReadTimeout = 15 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	sweeper := cache.NewManager(logger)
	sweeper.Register("revoked_tokens", auth.Revoked())
	sweeper.Register("dashboards", registry.Cleaner())
	sweeper.Register("rate_limit", srv.RateLimiter())
	sweeper.StartCleanup(sweepInterval)
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting tracker server",
			"port", cfg.Port,
			"backend", backendCfg.Type.String(),
			"relay_enabled", result.Relay != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		return nil
	})

	var consumer worker.Consumer
	if result.Relay != nil {
		consumer = result.Relay
	}
	relay := worker.NewRelayWorker(consumer, result.RelayHandler(logger), result.Feed, cfg.RelayResyncInterval, logger)
	g.Go(func() error {
		return relay.Run(gctx)
	})

	return g.Wait()
}
