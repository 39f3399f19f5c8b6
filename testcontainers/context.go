// Package testcontainers provides Docker-backed integration test
// infrastructure: a disposable PostgreSQL instance with the billing schema
// applied, and a disposable Redis for the balance cache. Tests using it skip
// unless RUN_CONTAINER_TESTS is set, so the default test run needs no Docker.
package testcontainers

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/postgres"
)

const startupTimeout = 60 * time.Second

// TestContext holds the running containers and ready-to-use clients.
type TestContext struct {
	ctx context.Context

	// Redis client connected to the container.
	Redis *redis.Client
	// DB is connected to the container with the billing schema migrated.
	DB *sql.DB
	// DSN is the postgres connection string for code that opens its own
	// connection.
	DSN string
	// RedisAddr is the container's host:port.
	RedisAddr string
}

// Context returns the test-scoped context.
func (tc *TestContext) Context() context.Context {
	return tc.ctx
}

// WithTestContext runs fn against fresh containers; teardown is registered
// through t.Cleanup. It skips the test unless RUN_CONTAINER_TESTS is set.
func WithTestContext(t *testing.T, fn func(*TestContext)) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	requireDockerOptIn(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	t.Cleanup(cancel)

	tc := &TestContext{ctx: ctx}
	tc.startRedis(t)
	tc.startPostgres(t)

	fn(tc)
}

func requireDockerOptIn(t *testing.T) {
	t.Helper()

	if os.Getenv("RUN_CONTAINER_TESTS") == "" {
		t.Skip("Skipping container test: RUN_CONTAINER_TESTS not set")
	}
}

func (tc *TestContext) startRedis(t *testing.T) {
	t.Helper()

	container, err := NewRedisContainer(tc.ctx)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate Redis container: %v", err)
		}
	})

	tc.RedisAddr = container.GetAddress()
	tc.Redis = redis.NewClient(&redis.Options{Addr: tc.RedisAddr})
	t.Cleanup(func() {
		if err := tc.Redis.Close(); err != nil {
			t.Errorf("Failed to close Redis client: %v", err)
		}
	})
}

func (tc *TestContext) startPostgres(t *testing.T) {
	t.Helper()

	container, err := NewPostgresContainer(tc.ctx)
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate Postgres container: %v", err)
		}
	})

	tc.DSN = container.GetDSN()

	db, err := sql.Open("pgx", tc.DSN)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	})

	if err := db.PingContext(tc.ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := postgres.MigrateDB(db, zap.NewNop()); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	tc.DB = db
}
