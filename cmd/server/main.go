package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/api"
	"github.com/lumoschat/lumos/internal/config"
	"github.com/lumoschat/lumos/internal/generate"
	"github.com/lumoschat/lumos/internal/handlers"
	"github.com/lumoschat/lumos/internal/realtime"
	"github.com/lumoschat/lumos/internal/store"
	"github.com/lumoschat/lumos/internal/stream"
	"github.com/lumoschat/lumos/internal/sweep"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize the data store: Postgres when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		logger.Info().Msg("connected to PostgreSQL")
		dataStore = pgStore
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite initialization failed")
		}
		defer sqliteStore.Close()
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
		dataStore = sqliteStore
	}

	// Initialize Redis (pub/sub backbone, resumable streams, rate limiting)
	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()
	logger.Info().Msg("connected to Redis")

	// Start the fan-out hub. Init is idempotent and opens the single
	// subscriber connection shared by all listeners.
	hub := realtime.NewHub(redisStore.Client(), logger)
	if err := hub.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("fan-out hub failed to start")
	}

	streams := stream.NewStreams(redisStore.Client(), cfg.StreamRetention, logger)

	model := generate.NewGatewayClient(cfg.ModelGatewayURL, cfg.ModelGatewayToken, cfg.ModelName)
	pipeline := generate.NewPipeline(dataStore, model, hub, streams, generate.Config{
		StopPollInterval: cfg.StopPollInterval,
		ContextDepth:     cfg.ContextDepth,
		Timeout:          cfg.GenerationTimeout,
	}, logger)

	// Reconciliation sweep: marks generations abandoned by a crashed
	// process as failed so clients are not left waiting forever.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := sweep.New(dataStore, cfg.SweepInterval, cfg.SweepStaleAfter, logger)
	go sweeper.Run(sweepCtx)

	h := handlers.NewHandler(dataStore, redisStore, hub, streams, pipeline, logger)
	router := api.NewRouter(logger, cfg, h, dataStore, redisStore)

	// Create server. WriteTimeout stays 0 because SSE and stream
	// resume responses are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting Lumos server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopSweep()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("fan-out hub shutdown incomplete")
	}

	logger.Info().Msg("server stopped")
}
