package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func New(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.ConnConfig.Tracer = otelpgx.NewTracer()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully created Postgres connection ✅")

	return pool, nil
}

// Connect dials the database with exponential backoff and gives up after
// the given number of attempts. Startup is the only place that retries
// this way; once running, the store is assumed reachable.
func Connect(ctx context.Context, url string, attempts uint) (*pgxpool.Pool, error) {
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 1 * time.Second
	expo.MaxInterval = 5 * time.Second

	var pool *pgxpool.Pool
	op := func() error {
		p, err := New(ctx, url)
		if err != nil {
			log.Printf("postgres not ready yet: %v", err)
			return err
		}
		pool = p

		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres after %d attempts: %w", attempts, err)
	}

	return pool, nil
}

// RunMigrations applies every pending migration from dir. Already
// up-to-date schemas are not an error.
func RunMigrations(dir, url string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("error resolving migrations dir: %w", err)
	}

	m, err := migrate.New("file://"+absPath, url)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error applying migrations: %w", err)
	}

	return nil
}
