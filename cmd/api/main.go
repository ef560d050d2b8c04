package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mattdepillis/healthos/internal/api"
	"github.com/mattdepillis/healthos/internal/cache"
	"github.com/mattdepillis/healthos/internal/config"
	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/observability"
	"github.com/mattdepillis/healthos/internal/outbox"
	"github.com/mattdepillis/healthos/internal/persistence"
	httptransport "github.com/mattdepillis/healthos/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("healthos ingest exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitTracing(ctx, logger, observability.TracingConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	store, err := persistence.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("event store opened", zap.String("backend", string(store.Kind)))

	opts := []domain.Option{
		domain.WithLogger(logger),
		domain.WithDefaultUserID(cfg.DefaultUserID),
	}
	if cfg.RedisURL != "" {
		client, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		seen := cache.NewRedisSeenCache(client, cfg.SeenCacheTTL)
		if err := seen.Ping(ctx); err != nil {
			logger.Warn("seen cache unreachable, lookups will fall through to the store", zap.Error(err))
		}
		opts = append(opts, domain.WithSeenCache(seen))
	}
	service := domain.NewService(store.Repository, opts...)

	mux := http.NewServeMux()
	api.NewHandler(service,
		api.WithLogger(logger),
		api.WithStrictStatus(cfg.StrictHTTPStatus),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
	).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := httptransport.Chain(mux,
		httptransport.RequestID,
		httptransport.AccessLog(logger),
	)
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		otelhttp.NewHandler(handler, "healthos.http"),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("address", cfg.HTTPAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	switch {
	case store.Pool == nil:
		logger.Info("outbox publishing unavailable for this backend", zap.String("backend", string(store.Kind)))
	case !cfg.PublishingEnabled():
		logger.Info("outbox publishing disabled, KAFKA_BROKERS is empty")
	default:
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher := outbox.NewDispatcher(store.Pool, producer, registry, logger.Named("outbox"), cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		g.Go(func() error {
			dispatcher.Start(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
