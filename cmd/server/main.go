package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/pscheid92/streamcast/internal/adapter/httpserver"
	"github.com/pscheid92/streamcast/internal/adapter/redis"
	wsadapter "github.com/pscheid92/streamcast/internal/adapter/websocket"
	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
	"github.com/pscheid92/streamcast/internal/platform/config"
	"github.com/pscheid92/streamcast/internal/platform/logging"
	"github.com/pscheid92/streamcast/internal/platform/version"
	"github.com/pscheid92/streamcast/internal/relay"
)

const redisConnectTimeout = 30 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, breaker *redis.CircuitBreakerHook) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, breaker)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupHub(cfg *config.Config, rdb *goredis.Client, m *metrics.BroadcasterMetrics) *relay.Hub {
	open := func(channel string) multicast.Source[[]byte] {
		return redis.NewChannelSource(rdb, channel)
	}
	hub := relay.NewHub(open, redis.NewPublisher(rdb), relay.Config{
		WaitForClients: cfg.WaitForClients,
		BufferSize:     cfg.SubscriberBuffer,
		Metrics:        m,
	})

	// validated by config.Load
	bindings, _ := cfg.StreamBindings()
	for name, channels := range bindings {
		if err := hub.BindChannels(name, channels...); err != nil {
			slog.Error("Failed to bind configured stream", "stream", name, "channels", channels, "error", err)
			os.Exit(1)
		}
	}
	return hub
}

func healthChecks(rdb *goredis.Client, breaker *redis.CircuitBreakerHook) []httpserver.HealthCheck {
	return []httpserver.HealthCheck{
		{Name: "redis", Check: redis.HealthCheck(rdb)},
		{Name: "redis_breaker", Check: func(context.Context) error {
			if breaker.GetState() == gobreaker.StateOpen {
				return gobreaker.ErrOpenState
			}
			return nil
		}},
	}
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	breaker := redis.NewCircuitBreakerHook(metrics.NewCircuitBreakerMetrics(registry))

	rdb := setupRedis(ctx, cfg, breaker)
	defer func() { _ = rdb.Close() }()

	hub := setupHub(cfg, rdb, metrics.NewBroadcasterMetrics(registry))

	checkOrigin := wsadapter.NewCheckOrigin(cfg.AppURL, cfg.AllowedOrigins, !cfg.IsProduction())
	srv := httpserver.NewServer(cfg, hub, registry, metrics.NewWebSocketMetrics(registry),
		httpserver.WithUpgrader(wsadapter.NewUpgrader(checkOrigin)),
		httpserver.WithHealthChecks(healthChecks(rdb, breaker)...),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
