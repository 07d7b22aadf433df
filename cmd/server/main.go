package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plume-collab/internal/api"
	"plume-collab/internal/config"
	"plume-collab/internal/db"
	"plume-collab/internal/logging"
	"plume-collab/internal/relay"
	"plume-collab/internal/repository"
	"plume-collab/internal/services"
	"plume-collab/internal/telemetry"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

/*
PLUME SERVER

One process serves the relay (/ws/room/{room}) and the scene/version API.

Startup order: config, logger, tracing, database, repositories, relay,
optional Redis bridge, HTTP server. Shutdown runs in reverse: stop accepting
HTTP, stop the bridge, flush every live room to the snapshot store, close the
database, flush spans.
*/

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", false)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	logger.Info().Str("addr", cfg.Addr()).Msg("starting plume server")

	// Tracing first so every later call is traced.
	shutdownTracing, err := telemetry.InitJaeger("plume-collab", cfg.JaegerEndpoint, cfg.TraceSampleRatio, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize Jaeger, continuing without tracing")
		shutdownTracing = telemetry.Noop
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	database, err := db.NewGorm(cfg, logging.Component(logger, "db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	sceneRepo := repository.NewSceneRepository(database.DB)
	versionRepo := repository.NewVersionRepository(database.DB)
	snapshotRepo := repository.NewSnapshotRepository(database.DB)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := relay.Options{
		Snapshots:   snapshotRepo,
		Metrics:     relay.NewMetrics(registry),
		Logger:      logging.Component(logger, "relay"),
		FlushEvery:  cfg.SnapshotFlushEvery,
		IdleTimeout: cfg.SessionIdleTimeout,
	}

	var bridge *relay.RedisBridge
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to reach redis")
		}

		instanceID := uuid.NewString()
		bridge = relay.NewRedisBridge(rdb, instanceID, logging.Component(logger, "bridge"))
		opts.Publisher = bridge
		logger.Info().Str("instance_id", instanceID).Msg("redis bridge enabled")
	}

	sessionManager := relay.NewSessionManager(opts)
	sessionManager.Start()

	versionService := services.NewVersionService(sceneRepo, versionRepo, sessionManager, logging.Component(logger, "versions"))
	handler := api.NewHandler(sceneRepo, versionService, sessionManager, logging.Component(logger, "api"))
	router := api.SetupRoutes(handler, api.RouterOptions{
		CORSOrigin: cfg.CORSOrigin,
		Relay:      relay.NewWebSocketHandler(sessionManager, cfg.CORSOrigin),
		Gatherer:   registry,
		Logger:     logging.Component(logger, "http"),
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if bridge != nil {
		stopBridge, err := bridge.Listen(gctx, sessionManager.HandleRemoteFrame)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to redis")
		}
		g.Go(func() error {
			<-gctx.Done()
			return stopBridge()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		// Give in-flight requests and room flushes 30 seconds.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server forced to shutdown")
		}
		sessionManager.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
