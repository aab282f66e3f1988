package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/adapter/httpserver"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/adapter/postgres"
	"github.com/pscheid92/notifyrelay/internal/adapter/redis"
	"github.com/pscheid92/notifyrelay/internal/adapter/token"
	"github.com/pscheid92/notifyrelay/internal/app"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/config"
	"github.com/pscheid92/notifyrelay/internal/platform/logging"
	"github.com/pscheid92/notifyrelay/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics, clock clockwork.Clock) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	return redis.NewClient(ctx, cfg.RedisURL, m, clock)
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.DatabaseMetrics) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		return nil, err
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func circuitCheck(client *redis.Client) func(context.Context) error {
	return func(context.Context) error {
		if client.CircuitState() == circuitbreaker.OpenState {
			return errors.New("redis circuit breaker open")
		}
		return nil
	}
}

func main() {
	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"transport", cfg.Transport,
		"instance", cfg.InstanceID,
		"version", version.Version)

	if err := run(cfg); err != nil {
		if errors.Is(err, domain.ErrQueueUnavailable) {
			slog.Error("Queue unavailable, exiting for restart", "error", err)
		} else {
			slog.Error("Relay stopped", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("Relay stopped")
}

func run(cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	redisMetrics := metrics.NewRedisMetrics(reg)
	dispatchMetrics := metrics.NewDispatchMetrics(reg)

	redisClient, err := setupRedis(ctx, cfg, redisMetrics, clock)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	tokens, err := token.NewIssuer(cfg.TokenSecret, clock)
	if err != nil {
		return err
	}

	registry := app.NewRegistry(clock)
	registry.OnChange(func(s domain.RegistryStats) {
		wsMetrics.ActiveConnections.Set(float64(s.Connections))
		wsMetrics.Channels.Set(float64(s.Channels))
	})

	rt, err := setupRealtime(cfg, registry, tokens, redisClient, wsMetrics, clock)
	if err != nil {
		return err
	}

	var transport domain.BroadcastTransport = rt.transport
	var fanout *redis.Fanout
	if cfg.FanoutEnabled && cfg.Transport == config.TransportWebSocket {
		fanout = redis.NewFanout(redisClient.Underlying(), rt.transport, registry, cfg.HubName, cfg.InstanceID, redisMetrics)
		transport = fanout
	}

	queue := redis.NewStreamQueue(redisClient.Underlying(), redis.StreamQueueOptions{
		Stream:            cfg.QueueName,
		Group:             cfg.QueueGroup,
		Consumer:          cfg.InstanceID,
		PollTimeout:       cfg.QueuePollTimeout,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		Metrics:           redisMetrics,
	})
	if err := queue.EnsureGroup(ctx); err != nil {
		return err
	}

	healthChecks := []httpserver.HealthCheck{
		{Name: "redis", Check: redisClient.Ping},
		{Name: "redis_circuit", Check: circuitCheck(redisClient)},
		{Name: "realtime", Check: rt.ready},
	}

	var deadLetters domain.DeadLetterSink
	if cfg.DeadLettersEnabled() {
		dbMetrics := metrics.NewDatabaseMetrics(reg)
		pool, err := setupDB(ctx, cfg, dbMetrics)
		if err != nil {
			return err
		}
		defer pool.Close()

		deadLetters = postgres.NewDeadLetterRepo(pool, dbMetrics)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	dispatcher := app.NewDispatcher(queue, registry, transport, app.DispatcherOptions{
		DefaultChannel: cfg.TargetChannel,
		DeadLetters:    deadLetters,
		Recorder:       dispatchMetrics,
		Clock:          clock,
	})

	negotiator := app.NewNegotiator(rt.endpoint, tokens, app.NegotiatorOptions{
		Hub:       cfg.HubName,
		PublicURL: cfg.PublicURL,
		TokenTTL:  cfg.TokenTTL,
		Clock:     clock,
	})

	srv := httpserver.NewServer(cfg, negotiator, rt.route, httpMetrics, metrics.Handler(reg), healthChecks)

	g, gctx := errgroup.WithContext(ctx)
	dispatchDone := make(chan struct{})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		defer close(dispatchDone)
		return dispatcher.Run(gctx)
	})

	if fanout != nil {
		g.Go(func() error { return fanout.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting clients first, let the in-flight message finish, then close clients.
		srvErr := srv.Shutdown(shutdownCtx)
		select {
		case <-dispatchDone:
		case <-shutdownCtx.Done():
		}
		return errors.Join(srvErr, rt.shutdown(shutdownCtx))
	})

	return g.Wait()
}
