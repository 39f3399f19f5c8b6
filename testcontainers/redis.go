package testcontainers

import (
	"context"
	"fmt"
	"net"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisPort = "6379"

// RedisContainer wraps a disposable Redis instance for tests.
type RedisContainer struct {
	testcontainers.Container
	addr string
}

func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{redisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, redisPort)
	if err != nil {
		return nil, fmt.Errorf("redis container: %w", err)
	}

	return &RedisContainer{
		Container: container,
		addr:      net.JoinHostPort(host, port),
	}, nil
}

// GetAddress returns the Redis address in host:port format.
func (c *RedisContainer) GetAddress() string {
	return c.addr
}
