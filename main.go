package main

import (
	"context"
	"errors"
	"fmt"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/delivery"
	"parley/internal/http"
	"parley/internal/metrics"
	"parley/internal/presence"
	"parley/internal/signals"
	"parley/internal/storage"
	"parley/internal/ws"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	sessions, err := auth.NewSessions(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry})
	if err != nil {
		return err
	}

	m := metrics.New()
	tracker := presence.NewTracker(presence.Config{
		OnOffline: func(userID string, lastSeen time.Time) {
			if err := bbStorage.TouchUser(userID, lastSeen); err != nil {
				zap.S().Warnw("failed to record last seen", "userID", userID, "error", err)
			}
		},
		OnChange: m.SetOnline,
	})
	bus := signals.NewBus(ctx, signals.Config{TypingTTL: cfg.TypingTTL, OnSignal: m.Typing}, tracker)
	coordinator := delivery.NewCoordinator(ctx, delivery.Config{
		PersistTimeout: cfg.PersistTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, bbStorage, tracker, bus, m)

	hub := ws.NewHub(tracker, bus, coordinator)
	wsServer := ws.NewServer(ctx, sessions, hub, m, ws.ServerConfig{
		EventRate:      rate.Limit(cfg.EventRate),
		EventBurst:     cfg.EventBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	apiServer := http.NewAPIServer(api.New(sessions, bbStorage, tracker, coordinator), wsServer, cfg.AllowedOrigins, cfg.APIAddr)
	adminServer := http.NewAdminServer(api.NewAdminHandler(sessions, bbStorage, tracker), cfg.AdminAddr)
	metricsServer := http.NewMetricsServer(m.Handler(), cfg.MetricsAddr)

	servers := []interface {
		Start() error
		Shutdown(context.Context) error
	}{apiServer, adminServer, metricsServer}

	g, gCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Wait for context cancellation (signal) or a failed listener.
	g.Go(func() error {
		<-gCtx.Done()
		zap.S().Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs error
		for _, srv := range servers {
			errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		}
		if errs != nil {
			return fmt.Errorf("shutdown: %w", errs)
		}
		return nil
	})

	return g.Wait()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
