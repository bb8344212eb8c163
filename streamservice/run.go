// Package streamservice hosts the stream service run loop.
package streamservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/api"
	"github.com/pulsemap/pulsemap/internal/config"
	"github.com/pulsemap/pulsemap/internal/geo"
	"github.com/pulsemap/pulsemap/internal/health"
	"github.com/pulsemap/pulsemap/internal/ingest"
	"github.com/pulsemap/pulsemap/internal/logger"
	"github.com/pulsemap/pulsemap/internal/processor"
	"github.com/pulsemap/pulsemap/internal/pubsub"
	"github.com/pulsemap/pulsemap/internal/store"
	"github.com/pulsemap/pulsemap/internal/store/postgres"
	"github.com/pulsemap/pulsemap/internal/store/redisstore"
	"github.com/pulsemap/pulsemap/internal/store/sqlitestore"
	"github.com/pulsemap/pulsemap/internal/subscription"
	"github.com/pulsemap/pulsemap/internal/viewport"
	"github.com/pulsemap/pulsemap/internal/ws"
)

// Run starts the stream service and blocks until shutdown or error.
func Run() error {
	log := logger.New("stream-service")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	log.Info().
		Str("build_target", cfg.BuildTarget).
		Str("subscription_store", cfg.SubscriptionStore).
		Int("http_port", cfg.HTTPPort).
		Str("ingest_channel", cfg.IngestChannel).
		Msg("Stream service starting")

	ctx, stop := newServerContext()
	defer stop()

	deps, err := initDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close(log)

	// Rehydrate engine state before accepting connections.
	if err := deps.subs.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("subscription reload failed")
		return err
	}
	if deps.catalog != nil {
		events, err := deps.catalog.LoadAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("event catalog load failed")
			return err
		}
		deps.index.BulkLoad(events)
	}

	hub := ws.NewHub(ctx, deps.proc, deps.subs, deps.durable, deps.backbone, cfg.WriteBufferSize, log)
	defer hub.Shutdown()

	consumer := ingest.NewConsumer(deps.backbone, deps.proc, hub, cfg.IngestChannel, log)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("ingest consumer exited")
		}
	}()

	svcHealth := startHealthCheckers(ctx, cfg, log, deps)
	router := api.NewRouter(
		api.NewHealthHandler(svcHealth.IsHealthy, svcHealth.Components, hub.Counts),
		ws.Handler(hub, log),
	)

	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Err(err).Msg("startup health check failed")
		return err
	}

	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}

type dependencies struct {
	durable  store.SubscriptionStore
	backbone pubsub.Backbone
	catalog  *postgres.Catalog
	index    *geo.SpatialIndex
	subs     *subscription.Manager
	proc     *processor.EventProcessor
	rdb      *redis.Client
}

func (d *dependencies) close(log zerolog.Logger) {
	if err := d.durable.Close(); err != nil {
		log.Warn().Err(err).Msg("durable store close")
	}
	if d.catalog != nil {
		if err := d.catalog.Close(); err != nil {
			log.Warn().Err(err).Msg("event catalog close")
		}
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*dependencies, error) {
	d := &dependencies{}

	switch cfg.SubscriptionStore {
	case "redis":
		d.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d.durable = redisstore.New(d.rdb)
		d.backbone = pubsub.NewRedisBackbone(d.rdb, log)
	case "sqlite":
		st, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		d.durable = st
		// Single-instance local mode runs the backbone in process.
		d.backbone = pubsub.NewMemoryBackbone()
	default:
		return nil, fmt.Errorf("unsupported subscription store: %s", cfg.SubscriptionStore)
	}

	if cfg.PostgresDSN != "" {
		catalog, err := postgres.NewCatalog(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open event catalog: %w", err)
		}
		d.catalog = catalog
	} else {
		log.Info().Msg("no event catalog configured; starting cold")
	}

	d.index = geo.NewSpatialIndex(log)
	viewports := viewport.NewManager()
	d.subs = subscription.NewManager(d.durable, log)
	d.proc = processor.New(d.index, viewports, d.subs, log)
	return d, nil
}

// startHealthCheckers starts component checkers and the service-level aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, deps *dependencies) *health.ServiceHealthChecker {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	var checkers []health.HealthChecker

	storeChecker := health.NewProbeChecker("durable_store", deps.durable.Ping, log, probeTimeout)
	go storeChecker.Start(ctx, interval)
	checkers = append(checkers, storeChecker)

	backboneChecker := health.NewProbeChecker("backbone", deps.backbone.Ping, log, probeTimeout)
	go backboneChecker.Start(ctx, interval)
	checkers = append(checkers, backboneChecker)

	if deps.catalog != nil {
		catalogChecker := health.NewProbeChecker("event_catalog", deps.catalog.Ping, log, probeTimeout)
		go catalogChecker.Start(ctx, interval)
		checkers = append(checkers, catalogChecker)
	}

	if cfg.UpstreamHealthURL != "" {
		upChecker := health.NewProbeChecker("upstream_pipeline", health.UpstreamProbe(cfg.UpstreamHealthURL), log, probeTimeout)
		go upChecker.Start(ctx, interval)
		checkers = append(checkers, upChecker)
	}

	svcHealth := health.NewServiceHealthChecker(log, checkers...)
	go svcHealth.Start(ctx, interval)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// calculateStartupHealthTimeout returns the startup health timeout in seconds,
// calculated as interval*2 with a minimum of 60 seconds.
func calculateStartupHealthTimeout(healthIntervalSeconds int) int {
	timeout := healthIntervalSeconds * 2
	if timeout < 60 {
		return 60
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceHealthChecker) error {
	timeoutSeconds := calculateStartupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %d seconds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context that is cancelled on SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
