// Package testsuite spins up the containers integration suites run
// against: a Postgres with the schema migrated, and a RabbitMQ broker.
// Suites embed BaseSuite and call the setup they need.
package testsuite

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type BaseSuite struct {
	suite.Suite
	Ctx context.Context

	PgContainer *postgres.PostgresContainer
	DbPool      *pgxpool.Pool
	DatabaseURL string

	RabbitContainer *tcrabbitmq.RabbitMQContainer
	AmqpURL         string
}

func (s *BaseSuite) SetupPostgres(migrationsRelPath string) {
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}

	var err error
	s.PgContainer, err = postgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	s.Require().NoError(err)

	s.DatabaseURL, err = s.PgContainer.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	absPath, err := filepath.Abs(migrationsRelPath)
	s.Require().NoError(err)

	sourceURL := "file://" + absPath
	log.Printf("🔨 Running migrations from: %s", sourceURL)

	m, err := migrate.New(sourceURL, s.DatabaseURL)
	s.Require().NoError(err)
	s.Require().NoError(m.Up())

	s.DbPool, err = pgxpool.New(s.Ctx, s.DatabaseURL)
	s.Require().NoError(err)
}

func (s *BaseSuite) SetupRabbit() {
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}

	var err error
	s.RabbitContainer, err = tcrabbitmq.Run(
		s.Ctx,
		"rabbitmq:3.12-management-alpine",
		tcrabbitmq.WithAdminUsername("guest"),
		tcrabbitmq.WithAdminPassword("guest"),
	)
	s.Require().NoError(err)

	s.AmqpURL, err = s.RabbitContainer.AmqpURL(s.Ctx)
	s.Require().NoError(err)
}

func (s *BaseSuite) TearDownInfrastructure() {
	if s.DbPool != nil {
		s.DbPool.Close()
	}
	if s.PgContainer != nil {
		if err := s.PgContainer.Terminate(s.Ctx); err != nil {
			log.Printf("Failed to terminate postgres container: %v", err)
		}
	}
	if s.RabbitContainer != nil {
		if err := s.RabbitContainer.Terminate(s.Ctx); err != nil {
			log.Printf("Failed to terminate rabbitmq container: %v", err)
		}
	}
}

func (s *BaseSuite) TruncateTable(tableName string) {
	_, err := s.DbPool.Exec(s.Ctx, fmt.Sprintf("TRUNCATE %s CASCADE", tableName))
	s.Require().NoError(err)
}
