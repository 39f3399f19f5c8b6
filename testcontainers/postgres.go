package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgPort     = "5432"
	pgUser     = "test"
	pgPassword = "test"
	pgDatabase = "billing_test"
)

// PostgresContainer wraps a disposable PostgreSQL instance for tests.
type PostgresContainer struct {
	testcontainers.Container
	dsn string
}

func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{pgPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections"),
			wait.ForExposedPort(),
		),
	}, pgPort)
	if err != nil {
		return nil, fmt.Errorf("postgres container: %w", err)
	}

	dsn := fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
		pgUser, pgPassword, host, port, pgDatabase)

	return &PostgresContainer{Container: container, dsn: dsn}, nil
}

// GetDSN returns the PostgreSQL connection string.
func (c *PostgresContainer) GetDSN() string {
	return c.dsn
}

// startContainer starts a container and resolves the mapped host/port for the
// given internal port.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (testcontainers.Container, string, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to get container port: %w", err)
	}

	return container, host, mappedPort.Port(), nil
}
