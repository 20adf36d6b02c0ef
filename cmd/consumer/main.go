package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ibras0696/outbox-relay/internal/config"
	"github.com/ibras0696/outbox-relay/internal/consumer"
	"github.com/ibras0696/outbox-relay/internal/metrics"
	"github.com/ibras0696/outbox-relay/internal/postgres"
	"github.com/ibras0696/outbox-relay/internal/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env not found, using system envs")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	logger, err := config.NewLogger(config.LoggerConfig{
		Level: cfg.LogLevel,
		Env:   cfg.Env,
	})
	if err != nil {
		log.Fatalf("error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := tracing.Init(ctx, cfg.AppName+"-consumer", cfg.Env)
	if err != nil {
		log.Fatalf("error init tracer: %v", err)
	}

	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN(), cfg.StartupConnectAttempts)
	if err != nil {
		log.Fatalf("error connecting to postgres: %v", err)
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry: reg,
		}))
		log.Println("Metrics server is listening on " + cfg.Metrics.Addr + " 📈")

		if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
			log.Printf("Metrics serving failed: %v", err)
		}
	}()

	handler := consumer.NewOrderHandler(pool, consumer.LoggingDispatcher{Logger: logger}, logger)

	c := consumer.New(cfg.Rabbit.DSN(), consumer.Config{
		Queue:      cfg.Rabbit.NewOrderQueue,
		MaxRetries: cfg.Consumer.MaxRetries,
		RetryBase:  cfg.Consumer.RetryBase,
		Prefetch:   cfg.Consumer.Prefetch,
	}, handler, logger, m)

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("consumer stopped: %v", err)
	}

	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool.Close()
	log.Println("✅ Postgres pool closed")

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Error closing telemetry: %v\n", err)
	} else {
		log.Println("✅ Telemetry closed")
	}
}
