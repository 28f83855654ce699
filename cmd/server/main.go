package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"narrative-server/internal/auth"
	"narrative-server/internal/config"
	delivery "narrative-server/internal/delivery/http"
	ws "narrative-server/internal/delivery/websocket"
	"narrative-server/internal/engine"
	"narrative-server/internal/hub"
	"narrative-server/internal/messaging"
	"narrative-server/internal/pipeline"
	"narrative-server/internal/repository"
	"narrative-server/internal/synchronizer"
	"narrative-server/pkg/ai"
	"narrative-server/pkg/database"
	"narrative-server/pkg/logger"
	"narrative-server/pkg/migration"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: cfg.LogOutput,
		Service:    "narrative-server",
	})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	cfg.Log(zapLogger)

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	zapLogger.Info("Server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]delivery.HealthChecker{}

	// --- Хранилище ---
	var store repository.WorldStateStore
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("Using in-memory world store, state is lost on restart")
		store = repository.NewMemoryWorldStore(logger)
	default:
		pool, err := database.Connect(ctx, database.Config{
			DSN:             cfg.GetDSN(),
			MaxConns:        cfg.DBMaxConns,
			MaxConnIdleTime: cfg.DBIdleTimeout,
			ConnectTimeout:  10 * time.Second,
		}, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		migrator := migration.NewMigrator(migration.Config{
			MigrationsFS:   repository.MigrationsFS,
			MigrationsPath: repository.MigrationsPath,
		}, pool, logger)
		if err := migrator.Up(); err != nil {
			return err
		}
		store = repository.NewPgWorldStore(pool, logger)
		checks["postgres"] = pool.Ping
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := repository.Ping(ctx, rdb); err != nil {
			// кэш снимков необязателен, работаем без него
			logger.Warn("Redis unavailable, snapshot cache disabled", zap.Error(err))
		} else {
			store = repository.NewCachedWorldStore(store, rdb, cfg.RedisSnapshotTTL, logger)
			checks["redis"] = func(ctx context.Context) error { return repository.Ping(ctx, rdb) }
		}
	}

	// --- Интерпретация ---
	model, err := ai.NewModelAdapter(ai.Config{
		ClientType:  cfg.AIClientType,
		APIKey:      cfg.AIAPIKey,
		BaseURL:     cfg.AIBaseURL,
		Model:       cfg.AIModel,
		Temperature: cfg.AITemperature,
		MaxTokens:   cfg.AIMaxTokens,
	}, logger)
	if err != nil {
		return err
	}
	prompts := pipeline.NewPromptBuilder(
		ai.NewTokenizer(cfg.AIModel, logger),
		cfg.PromptEventWindow, cfg.PromptMaxTokens, cfg.PromptMaxActions,
	)
	interpreter := pipeline.NewPipeline(model, pipeline.NewModelPool(cfg.AIConcurrency, cfg.AIPoolWait), prompts, store, pipeline.Config{
		Timeout:        cfg.AITimeout,
		MaxAttempts:    cfg.AIMaxAttempts,
		BaseRetryDelay: cfg.AIBaseRetryDelay,
		MaxRetryDelay:  cfg.AIMaxRetryDelay,
		MaxActions:     cfg.PromptMaxActions,
	}, logger)

	syncer := synchronizer.New(store, cfg.SyncMaxRetries, logger)
	eventHub := hub.New(store, hub.Config{
		QueueSize:      cfg.HubSubscriberQueue,
		PendingLimit:   cfg.HubPendingLimit,
		ReplayPageSize: cfg.HubReplayPageSize,
	}, logger)

	// --- RabbitMQ (необязательно) ---
	var (
		rabbitConn *amqp.Connection
		publisher  engine.EventPublisher
	)
	if cfg.RabbitMQURL != "" {
		rabbitConn, err = messaging.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitConnRetries, logger)
		if err != nil {
			return err
		}
		defer func() { _ = rabbitConn.Close() }()

		eventPublisher, err := messaging.NewRabbitMQEventPublisher(rabbitConn, cfg.EventsExchange, logger)
		if err != nil {
			return err
		}
		defer func() { _ = eventPublisher.Close() }()
		publisher = eventPublisher
		checks["rabbitmq"] = func(context.Context) error {
			if rabbitConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}
	}

	eng := engine.New(store, interpreter, syncer, eventHub, publisher, engine.Config{
		QueueCapacity: cfg.EngineQueueCapacity,
		IdleTimeout:   cfg.EngineIdleTimeout,
		TurnRetention: cfg.EngineTurnRetention,
	}, logger)

	// --- HTTP ---
	var verifier auth.TokenVerifier
	if cfg.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.JWTSecret, logger)
		if err != nil {
			return err
		}
		verifier = jwtVerifier
	} else {
		logger.Warn("JWT secret is not set, API and WebSocket are unauthenticated")
	}

	router := delivery.NewRouter(delivery.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Checks:         checks,
	}, logger,
		delivery.NewHandler(eng, syncer, store, verifier, cfg.TurnWaitTimeout, logger),
		ws.NewHandler(eventHub, verifier, cfg.AllowedOrigins, logger),
	)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var consumer *messaging.ActionConsumer
	if rabbitConn != nil {
		consumer = messaging.NewActionConsumer(rabbitConn, eng, cfg.ActionsQueue, cfg.ConsumerPrefetch, logger)
		g.Go(func() error {
			return consumer.StartConsuming(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if consumer != nil {
			consumer.Stop()
		}
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := eng.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		eventHub.Close()
		return errors.Join(errs...)
	})

	return g.Wait()
}
