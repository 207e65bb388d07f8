package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopcraft/fulfillment/internal/inventory"
	"github.com/shopcraft/fulfillment/pkg/bus/kafka"
	"github.com/shopcraft/fulfillment/pkg/config"
	"github.com/shopcraft/fulfillment/pkg/db"
	"github.com/shopcraft/fulfillment/pkg/metrics"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"github.com/shopcraft/fulfillment/pkg/tracing"
	"go.uber.org/zap"
)

const serviceName = "inventory-service"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	logger, err := config.NewLogger(config.LoggerConfig{Level: cfg.Logging.Level, Env: cfg.Env})
	if err != nil {
		log.Fatalf("error creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	tp, err := tracing.Init(ctx, serviceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatalf("error init tracer: %v", err)
	}

	pool, err := db.NewPostgresPool(ctx, cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("error creating postgres pool: %v", err)
	}

	kafkaBus, err := kafka.NewBus(cfg.Kafka.Brokers, logger)
	if err != nil {
		log.Fatalf("error creating kafka bus: %v", err)
	}

	store := inventory.NewPostgresStore(pool, logger)
	engine := inventory.NewEngine(store, logger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	reader := inventory.NewCachedStockReader(engine, redisClient, cfg.Redis.CacheTTL, logger)
	if err := reader.Start(ctx, kafkaBus); err != nil {
		log.Fatalf("error starting cache invalidation: %v", err)
	}

	relay := outbox.NewRelay(outbox.NewPostgresSource(pool), kafkaBus, logger, outbox.RelayConfig{
		BatchSize:   cfg.Outbox.BatchSize,
		Interval:    cfg.Outbox.Interval,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	go relay.Start(ctx)

	if err := inventory.NewConsumer(engine, logger).Start(ctx, kafkaBus); err != nil {
		log.Fatalf("error starting consumers: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery(), metrics.GinMiddleware("inventory"))
	router.GET("/metrics", metrics.Handler())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	inventory.NewHandler(engine, reader, logger).Register(router)

	srv := &http.Server{
		Addr:         cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.Timeout,
		WriteTimeout: cfg.HTTP.Timeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tracelog.Error(ctx, logger, "HTTP server error", zap.Error(err))
			stop()
		}
	}()

	tracelog.Info(ctx, logger, "Inventory service started", zap.String("addr", cfg.HTTP.Port))

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.Background(), 5*time.Second)
	defer exit()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		tracelog.Error(shutdownCtx, logger, "Error shutting down HTTP server", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		tracelog.Error(shutdownCtx, logger, "Error shutting down telemetry", zap.Error(err))
	}

	if err := kafkaBus.Close(); err != nil {
		tracelog.Error(shutdownCtx, logger, "Error closing kafka bus", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		tracelog.Error(shutdownCtx, logger, "Error closing redis client", zap.Error(err))
	}

	pool.Close()
	tracelog.Info(shutdownCtx, logger, "Inventory service stopped")
}
