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
	"github.com/ibras0696/outbox-relay/internal/metrics"
	"github.com/ibras0696/outbox-relay/internal/outbox/domain"
	"github.com/ibras0696/outbox-relay/internal/outbox/repository"
	"github.com/ibras0696/outbox-relay/internal/outbox/worker"
	"github.com/ibras0696/outbox-relay/internal/postgres"
	"github.com/ibras0696/outbox-relay/internal/rabbitmq"
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

	tp, err := tracing.Init(ctx, cfg.AppName+"-publisher", cfg.Env)
	if err != nil {
		log.Fatalf("error init tracer: %v", err)
	}

	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN(), cfg.StartupConnectAttempts)
	if err != nil {
		log.Fatalf("error connecting to postgres: %v", err)
	}

	if cfg.Migrations.RunOnStartup {
		log.Println("🔨 Running migrations from: " + cfg.Migrations.Dir)
		if err := postgres.RunMigrations(cfg.Migrations.Dir, cfg.Postgres.DSN()); err != nil {
			log.Fatalf("error running migrations: %v", err)
		}
	}

	pub, err := rabbitmq.Connect(ctx, cfg.Rabbit.DSN(), cfg.StartupConnectAttempts, logger)
	if err != nil {
		log.Fatalf("error connecting to rabbitmq: %v", err)
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

	outboxRepo := repository.NewRepository(pool, logger)

	routes := worker.Routes{
		"new_order": cfg.Rabbit.NewOrderQueue,
	}

	scheduler := worker.NewScheduler(outboxRepo, pub, routes, worker.Config{
		PollInterval:  cfg.Outbox.PollInterval,
		BatchSize:     cfg.Outbox.BatchSize,
		LeaseDuration: cfg.Outbox.LeaseDuration,
		Backoff: domain.Backoff{
			Base:    cfg.Outbox.BackoffBase,
			Ceiling: cfg.Outbox.BackoffCeiling,
		},
	}, logger, m)

	go scheduler.Start(ctx)

	<-ctx.Done()

	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub.Close()
	log.Println("✅ RabbitMQ publisher closed")

	pool.Close()
	log.Println("✅ Postgres pool closed")

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Error closing telemetry: %v\n", err)
	} else {
		log.Println("✅ Telemetry closed")
	}
}
