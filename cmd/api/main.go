package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/chain"
	"github.com/dafibh/fortuna/settlement-saga/internal/config"
	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/handler"
	"github.com/dafibh/fortuna/settlement-saga/internal/messaging"
	"github.com/dafibh/fortuna/settlement-saga/internal/metrics"
	"github.com/dafibh/fortuna/settlement-saga/internal/middleware"
	"github.com/dafibh/fortuna/settlement-saga/internal/repository/postgres"
	redisrepo "github.com/dafibh/fortuna/settlement-saga/internal/repository/redis"
	"github.com/dafibh/fortuna/settlement-saga/internal/repository/storage"
	"github.com/dafibh/fortuna/settlement-saga/internal/service"
	"github.com/dafibh/fortuna/settlement-saga/internal/tracing"
	"github.com/dafibh/fortuna/settlement-saga/internal/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Initialize zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	logger := log.Logger

	tuning, err := config.LoadSagaTuning(cfg.Saga.TuningFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load saga tuning")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.InitTracer(ctx, "settlement-saga", cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracer")
	}

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Connected to database")

	// Initialize repositories
	settlementRepo := postgres.NewSettlementRepository(pool)
	ledgerRepo := postgres.NewLedgerRepository(pool)
	directoryRepo := postgres.NewDirectoryRepository(pool)
	checkpointRepo := postgres.NewCheckpointRepository(pool)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sagaMetrics := metrics.NewSagaMetrics(registry)

	// Owner concurrency: Redis when configured so every replica shares the cap
	var ownerLimiter domain.OwnerLimiter = service.NewMemoryOwnerLimiter(cfg.Saga.OwnerConcurrency)
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to parse REDIS_URL")
		}
		redisClient := goredis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping redis")
		}
		ownerLimiter = redisrepo.NewOwnerLimiter(redisClient, redisrepo.OwnerLimiterConfig{
			Limit: cfg.Saga.OwnerConcurrency,
		}, logger)
		log.Info().Msg("Using redis owner limiter")
	}

	// Notifications and alerts: Kafka when brokers are configured, logs always
	var notifier domain.Notifier = service.NewLogNotifier(logger)
	alertSinks := []domain.AlertSink{service.NewLogAlertSink(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := messaging.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Failed to create kafka producer")
		}
		publisher := messaging.NewPublisher(producer, logger)
		defer publisher.Close()

		notifier = messaging.NewKafkaNotifier(publisher, cfg.Kafka.NotificationTopic)
		alertSinks = append(alertSinks, messaging.NewKafkaAlertSink(publisher, cfg.Kafka.AlertTopic, logger))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Publishing notifications to kafka")
	}
	alerts := service.NewFanoutAlertSink(alertSinks...)

	// Receipt archive (optional)
	var receipts domain.ReceiptArchive
	if cfg.S3.Bucket != "" {
		archive, err := storage.NewS3ReceiptArchive(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize receipt archive")
		}
		receipts = archive
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Archiving settlement receipts")
	}

	// Chain
	chainClients := chain.NewClients(cfg.Chain)
	broadcaster := chain.NewBroadcaster(chainClients, cfg.Chain.SubmitTimeout, sagaMetrics, logger)
	oracle := chain.NewOracle(chainClients, cfg.Chain.OracleRateLimit, cfg.Chain.OracleBurst, logger)

	// Saga engine
	reconciler := service.NewLedgerReconciler(ledgerRepo, logger)
	executor := service.NewStepExecutor(checkpointRepo, service.DefaultStepExecutorConfig(), sagaMetrics, logger)
	engine := service.NewSagaEngine(service.SagaEngineDeps{
		Records:     settlementRepo,
		Reconciler:  reconciler,
		Broadcaster: broadcaster,
		Oracle:      oracle,
		Notifier:    notifier,
		Alerts:      alerts,
		Executor:    executor,
		Strategies:  service.NewKindStrategies(directoryRepo, settlementRepo, tuning),
		Receipts:    receipts,
		Metrics:     sagaMetrics,
	}, service.SagaEngineConfig{ConfirmationDelay: cfg.Saga.ConfirmationDelay}, logger)

	// WebSocket hub
	hub := websocket.NewHub()
	engine.SetEventPublisher(hub)

	dispatcher := service.NewSagaDispatcher(engine, ownerLimiter, logger, service.SagaDispatcherConfig{
		Workers:   cfg.Saga.Workers,
		QueueSize: cfg.Saga.QueueSize,
	})
	dispatcher.Start(ctx)

	sweepWorker := service.NewStatusSweepWorker(settlementRepo, dispatcher, logger, service.StatusSweepConfig{
		Interval:    cfg.Saga.SweepInterval,
		GracePeriod: cfg.Saga.SweepGracePeriod,
	})
	sweepWorker.Start(ctx)

	reconcileWorker := service.NewReconcileWorker(settlementRepo, reconciler, alerts, sagaMetrics, logger, service.ReconcileWorkerConfig{
		Interval:    cfg.Saga.ReconcileInterval,
		MaxAttempts: cfg.Saga.MaxReconcileAttempts,
	})
	reconcileWorker.Start(ctx)

	// Initialize auth
	authMiddleware, err := middleware.NewAuthMiddleware(cfg.Auth0Domain, cfg.Auth0Audience, directoryRepo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create auth middleware")
	}
	wsValidator, err := websocket.NewAuth0JWTValidator(cfg.Auth0Domain, cfg.Auth0Audience, directoryRepo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create websocket validator")
	}
	rateLimiter := middleware.NewRateLimiter()
	defer rateLimiter.Stop()

	// Initialize handlers
	settlementService := service.NewSettlementService(settlementRepo, dispatcher, logger)
	settlementHandler := handler.NewSettlementHandler(settlementService)
	wsHandler := handler.NewWebSocketHandler(hub, wsValidator, cfg.CORSOrigins)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Request ID middleware
	e.Use(echomiddleware.RequestID())

	// CORS middleware
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Security headers middleware
	e.Use(echomiddleware.SecureWithConfig(echomiddleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'self'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))

	// Request logging middleware with zerolog
	e.Use(zerologMiddleware())

	// Recovery middleware
	e.Use(echomiddleware.Recover())

	handler.RegisterRoutes(e, handler.Routes{
		Auth:        authMiddleware,
		RateLimiter: rateLimiter,
		Settlements: settlementHandler,
		WebSocket:   wsHandler,
		Metrics:     metrics.Handler(registry),
		Health:      pool,
	})

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Queued runs are dropped here and picked up again by the sweep after restart
	sweepWorker.Stop()
	reconcileWorker.Stop()
	dispatcher.Stop()
	cancel()

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("Server exited")
}

// zerologMiddleware returns a middleware that logs requests using zerolog
func zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", time.Since(start)).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Msg("request")

			return nil
		}
	}
}
