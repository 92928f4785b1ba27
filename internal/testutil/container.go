package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a throwaway database for integration tests.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// ValkeyContainer wraps a Valkey testcontainer used for wake-up pub/sub.
type ValkeyContainer struct {
	testcontainers.Container
	Address string
}

// PostgresOption tweaks the test database container.
type PostgresOption func(*postgresOptions)

type postgresOptions struct {
	image    string
	database string
}

// WithPostgresImage overrides the postgres image.
func WithPostgresImage(image string) PostgresOption {
	return func(o *postgresOptions) { o.image = image }
}

// WithDatabaseName overrides the database name.
func WithDatabaseName(name string) PostgresOption {
	return func(o *postgresOptions) { o.database = name }
}

// NewPostgresContainer starts PostgreSQL and returns it with a DSN that runs
// sessions in UTC, the way the application pool does.
func NewPostgresContainer(ctx context.Context, opts ...PostgresOption) (*PostgresContainer, error) {
	o := postgresOptions{image: "postgres:16-alpine", database: "scheduler_test"}
	for _, opt := range opts {
		opt(&o)
	}

	container, err := postgres.Run(ctx, o.image,
		postgres.WithDatabase(o.database),
		postgres.WithUsername("scheduler"),
		postgres.WithPassword("scheduler"),
		testcontainers.WithEnv(map[string]string{"TZ": "UTC", "PGTZ": "UTC"}),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable", "timezone=UTC")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{PostgresContainer: container, ConnectionString: dsn}, nil
}

// NewValkeyContainer starts a Valkey server and returns its host:port.
func NewValkeyContainer(ctx context.Context) (*ValkeyContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "valkey/valkey:8-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort("6379/tcp"),
		).WithDeadline(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start valkey container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("get valkey host: %w", err)
	}

	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return nil, fmt.Errorf("get valkey port: %w", err)
	}

	return &ValkeyContainer{
		Container: container,
		Address:   fmt.Sprintf("%s:%s", host, port.Port()),
	}, nil
}
