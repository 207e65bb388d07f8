// fulfillmentd runs the whole choreography in one process: memory bus,
// memory stores, log-only email. Meant for local development and demos, not
// production.
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
	"github.com/shopcraft/fulfillment/internal/inventory"
	"github.com/shopcraft/fulfillment/internal/notification"
	"github.com/shopcraft/fulfillment/internal/order"
	"github.com/shopcraft/fulfillment/internal/payment"
	"github.com/shopcraft/fulfillment/internal/saga"
	"github.com/shopcraft/fulfillment/pkg/config"
	"github.com/shopcraft/fulfillment/pkg/metrics"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

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

	rt := saga.New(saga.Config{
		Logger:      logger,
		DeclineOver: cfg.Gateway.DeclineOver,
		Relay: outbox.RelayConfig{
			BatchSize:   cfg.Outbox.BatchSize,
			Interval:    cfg.Outbox.Interval,
			MaxAttempts: cfg.Outbox.MaxAttempts,
		},
	})

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("error starting runtime: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery(), metrics.GinMiddleware("fulfillment"))
	router.GET("/metrics", metrics.Handler())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	order.NewHandler(rt.Orders, logger).Register(router)
	inventory.NewHandler(rt.Inventory, rt.Inventory, logger).Register(router)
	payment.NewHandler(rt.Payments, logger).Register(router)
	notification.NewHandler(rt.Notifications, logger).Register(router)

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

	tracelog.Info(ctx, logger, "Fulfillment dev runtime started", zap.String("addr", cfg.HTTP.Port))

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.Background(), 5*time.Second)
	defer exit()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		tracelog.Error(shutdownCtx, logger, "Error shutting down HTTP server", zap.Error(err))
	}

	tracelog.Info(shutdownCtx, logger, "Fulfillment dev runtime stopped")
}
