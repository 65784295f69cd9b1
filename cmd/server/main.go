package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/flappy-rocket/internal/auth"
	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/handler"
	"github.com/flappy-rocket/internal/kafka"
	"github.com/flappy-rocket/internal/memory"
	"github.com/flappy-rocket/internal/metrics"
	"github.com/flappy-rocket/internal/postgres"
	"github.com/flappy-rocket/internal/redis"
	"github.com/flappy-rocket/internal/service"
	"github.com/flappy-rocket/internal/sqlite"
	"github.com/flappy-rocket/internal/websocket"
	"github.com/flappy-rocket/internal/worker"
)

// store is the surface every storage backend provides
type store interface {
	service.AllowanceStore
	service.ScoreStore
	worker.ScoreCounter
	Ping(ctx context.Context) error
	Close() error
}

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
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(m, logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize services
	policy := cfg.Allowance.Policy()
	allowanceService, err := service.NewAllowanceService(st, policy, m, logger)
	if err != nil {
		logger.Error("invalid allowance policy", "error", err)
		os.Exit(1)
	}
	scoreService := service.NewScoreService(st, &cfg.Leaderboard, &cfg.Rewards, m, logger)
	allowanceService.SetHub(wsHub)
	scoreService.SetHub(wsHub)
	logger.Info("allowance policy",
		"daily_grant", policy.DailyGrant,
		"rolling_period", policy.RollingPeriod,
	)

	// Game events are best effort; the service runs without them
	var publisher *kafka.Publisher
	if cfg.Events.Enabled {
		publisher, err = kafka.NewPublisher(&cfg.Events, logger)
		if err != nil {
			logger.Warn("failed to create event publisher, continuing without events", "error", err)
		} else {
			allowanceService.SetPublisher(publisher)
			scoreService.SetPublisher(publisher)
			logger.Info("publishing game events", "topic", cfg.Events.Topic)
		}
	}

	// Payout events feed earnings into allowance records
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, allowanceService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Periodic leaderboard snapshots for subscribers
	broadcaster := worker.NewLeaderboardWorker(scoreService, st, wsHub, &cfg.Broadcast, m, logger)
	if cfg.Broadcast.Enabled {
		if err := broadcaster.Start(ctx); err != nil {
			logger.Error("failed to start leaderboard worker", "error", err)
			os.Exit(1)
		}
	}

	verifier, err := auth.NewVerifier(&cfg.Auth)
	if err != nil {
		logger.Error("failed to create token verifier", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.PayoutAPIKey == "" {
		logger.Warn("payout_api_key is empty, the earnings endpoint is disabled")
	}

	httpHandler := handler.NewHandler(allowanceService, scoreService, verifier, wsHub, m, handler.Options{
		PayoutAPIKey:   cfg.Auth.PayoutAPIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		MetricsPath:    cfg.Metrics.Path,
		Readiness:      st,
	}, logger)

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
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first so in-flight admissions finish
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := broadcaster.Stop(); err != nil {
		logger.Error("failed to stop leaderboard worker", "error", err)
	}

	wsHub.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close event publisher", "error", err)
		}
	}

	logger.Info("server stopped")
}

// openStore connects the configured storage backend
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case config.DriverRedis:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		rs, err := redis.NewStore(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.DriverSQLite:
		logger.Info("opening SQLite database", "path", cfg.SQLite.Path)
		ss, err := sqlite.Open(ctx, cfg.SQLite.Path, cfg.SQLite.BusyTimeout, logger)
		if err != nil {
			return nil, err
		}
		return ss, nil
	case config.DriverMemory:
		logger.Warn("using in-memory storage, records are lost on restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
