package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mattdepillis/healthos/internal/config"
	"github.com/mattdepillis/healthos/internal/observability"
	"github.com/mattdepillis/healthos/internal/outbox"
	"github.com/mattdepillis/healthos/internal/persistence"
)

func main() {
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, "healthos-dlqmanager")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("dlq manager exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()
	if store.Pool == nil {
		return errors.New("dlq manager requires a postgres DATABASE_URL")
	}

	manager := outbox.NewDLQManager(store.Pool, logger, cfg.DLQMaxRetries, cfg.DLQBaseDelay)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dlq manager metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.DLQPollInterval)
		defer ticker.Stop()

		logger.Info("dlq manager started",
			zap.Duration("interval", cfg.DLQPollInterval),
			zap.Int("max_retries", cfg.DLQMaxRetries),
		)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				processed, err := manager.RunOnce(gctx, cfg.DLQBatchSize)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("dlq manager error", zap.Error(err))
				} else if processed > 0 {
					logger.Info("dlq manager processed entries", zap.Int("processed", processed))
				}
			}
		}
	})

	return g.Wait()
}
