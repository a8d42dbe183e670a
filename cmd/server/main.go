package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guild-monitor/internal/cache"
	"github.com/guild-monitor/internal/config"
	"github.com/guild-monitor/internal/gamedata"
	"github.com/guild-monitor/internal/handler"
	"github.com/guild-monitor/internal/ingest"
	"github.com/guild-monitor/internal/notify"
	"github.com/guild-monitor/internal/postgres"
	"github.com/guild-monitor/internal/presence"
	"github.com/guild-monitor/internal/supervisor"
	"github.com/guild-monitor/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the response cache
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	var responseCache cache.Cache
	redisCache, err := cache.NewRedisCache(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("failed to connect to Redis, falling back to in-memory cache", "error", err)
		responseCache = cache.NewMemoryCache()
	} else {
		responseCache = redisCache
		logger.Info("connected to Redis")
	}
	defer responseCache.Close()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize the game-data client and batch dispatcher
	client := gamedata.NewClient(&cfg.GameAPI, responseCache, repo, logger)
	dispatcher := gamedata.NewDispatcher(client, cfg.GameAPI.Concurrency, logger)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("event hub initialized")

	// Initialize the Kafka death-event publisher
	var kafkaPublisher *notify.KafkaPublisher
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka publisher",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.DeathTopic,
		)
		kafkaPublisher, err = notify.NewKafkaPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without Kafka", "error", err)
			kafkaPublisher = nil
		}
	}
	events := notify.NewEvents(kafkaPublisher, wsHub, logger)

	// Initialize the periodic tasks
	pipeline := ingest.NewPipeline(repo, dispatcher, events, cfg.Ingest.Interval, logger)
	reconciler := presence.NewReconciler(repo, client, events, cfg.Presence.Interval, logger)

	// Initialize the supervisor
	sup := supervisor.New(pipeline, reconciler, repo, client, &cfg.Supervisor, logger)
	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(sup, client, repo, responseCache, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the supervisor and its tasks
	if err := sup.Stop(); err != nil {
		logger.Error("failed to stop supervisor", "error", err)
	}

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka publisher
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
