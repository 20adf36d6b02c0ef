package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	AppName  string `env:"APP_NAME" env-default:"outbox-relay"`
	Env      string `env:"APP_ENV" env-default:"local"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	Postgres   Postgres
	Rabbit     Rabbit
	Outbox     Outbox
	Consumer   Consumer
	Metrics    Metrics
	Migrations Migrations

	StartupConnectAttempts uint `env:"STARTUP_CONNECT_ATTEMPTS" env-default:"10"`
}

type Postgres struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"POSTGRES_HOST" env-default:"db"`
	Port     int    `env:"POSTGRES_PORT" env-default:"5432"`
	Database string `env:"POSTGRES_DB" env-default:"order_management"`
	User     string `env:"POSTGRES_USER" env-default:"postgres"`
	Password string `env:"POSTGRES_PASSWORD"`
	SSLMode  string `env:"POSTGRES_SSLMODE" env-default:"disable"`
}

// DSN returns DATABASE_URL when set, otherwise a DSN assembled from the
// component settings.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

type Rabbit struct {
	URL      string `env:"AMQP_URL"`
	Host     string `env:"RABBITMQ_HOST" env-default:"rabbitmq"`
	Port     int    `env:"RABBITMQ_PORT" env-default:"5672"`
	User     string `env:"RABBITMQ_USER" env-default:"guest"`
	Password string `env:"RABBITMQ_PASSWORD"`
	VHost    string `env:"RABBITMQ_VHOST" env-default:"/"`

	NewOrderQueue string `env:"RABBITMQ_NEW_ORDER_QUEUE" env-default:"new_order"`
}

// DSN returns AMQP_URL when set, otherwise a DSN assembled from the
// component settings.
func (r Rabbit) DSN() string {
	if r.URL != "" {
		return r.URL
	}

	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d/%s",
		r.User, r.Password, r.Host, r.Port, strings.TrimPrefix(r.VHost, "/"),
	)
}

type Outbox struct {
	PollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" env-default:"1s"`
	BatchSize      int           `env:"OUTBOX_BATCH_SIZE" env-default:"50"`
	LeaseDuration  time.Duration `env:"OUTBOX_LEASE_DURATION" env-default:"30s"`
	BackoffBase    time.Duration `env:"OUTBOX_BACKOFF_BASE" env-default:"1s"`
	BackoffCeiling time.Duration `env:"OUTBOX_BACKOFF_CEILING" env-default:"60s"`
}

type Consumer struct {
	MaxRetries int           `env:"CONSUMER_MAX_RETRIES" env-default:"5"`
	RetryBase  time.Duration `env:"CONSUMER_RETRY_BASE" env-default:"2s"`
	Prefetch   int           `env:"CONSUMER_PREFETCH" env-default:"10"`
}

type Metrics struct {
	Addr string `env:"METRICS_ADDR" env-default:":9091"`
}

type Migrations struct {
	RunOnStartup bool   `env:"RUN_MIGRATIONS_ON_STARTUP" env-default:"false"`
	Dir          string `env:"MIGRATIONS_DIR" env-default:"./migrations"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be at least 1")
	}
	if c.Outbox.LeaseDuration <= 0 {
		return fmt.Errorf("OUTBOX_LEASE_DURATION must be positive")
	}
	if c.Outbox.BackoffBase <= 0 {
		return fmt.Errorf("OUTBOX_BACKOFF_BASE must be positive")
	}
	if c.Outbox.BackoffCeiling < c.Outbox.BackoffBase {
		return fmt.Errorf("OUTBOX_BACKOFF_CEILING must not be below OUTBOX_BACKOFF_BASE")
	}
	if c.Consumer.MaxRetries < 0 {
		return fmt.Errorf("CONSUMER_MAX_RETRIES must not be negative")
	}
	if c.Consumer.RetryBase <= 0 {
		return fmt.Errorf("CONSUMER_RETRY_BASE must be positive")
	}
	if c.Consumer.Prefetch < 1 {
		return fmt.Errorf("CONSUMER_PREFETCH must be at least 1")
	}
	if c.StartupConnectAttempts < 1 {
		return fmt.Errorf("STARTUP_CONNECT_ATTEMPTS must be at least 1")
	}
	if c.Postgres.URL == "" && c.Postgres.Password == "" {
		return fmt.Errorf("POSTGRES_PASSWORD is required when DATABASE_URL is not set")
	}
	if c.Rabbit.URL == "" && c.Rabbit.Password == "" {
		return fmt.Errorf("RABBITMQ_PASSWORD is required when AMQP_URL is not set")
	}

	return nil
}
