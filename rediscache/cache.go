package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BalanceCache keeps recently read token balances in Redis so the balance
// endpoint does not hit postgres on every poll. Entries are short-lived and
// invalidated on every balance mutation, so a stale read window is bounded
// by the TTL only when an invalidation is lost.
type BalanceCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

const defaultTTL = 5 * time.Minute

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config, logger *zap.Logger) (*BalanceCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &BalanceCache{rdb: rdb, ttl: defaultTTL, logger: logger}, nil
}

func key(userID string) string {
	return "token_balance:" + userID
}

// Get returns the cached balance for the user. The second return value is
// false on a cache miss or any redis error; errors are logged and swallowed
// because the cache is strictly an optimization.
func (c *BalanceCache) Get(ctx context.Context, userID string) (int, bool) {
	v, err := c.rdb.Get(ctx, key(userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("balance cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
		return 0, false
	}
	balance, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return balance, true
}

// Set stores the balance with the cache TTL.
func (c *BalanceCache) Set(ctx context.Context, userID string, balance int) {
	if err := c.rdb.Set(ctx, key(userID), strconv.Itoa(balance), c.ttl).Err(); err != nil {
		c.logger.Warn("balance cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Invalidate drops the cached balance after a credit or debit.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) {
	if err := c.rdb.Del(ctx, key(userID)).Err(); err != nil {
		c.logger.Warn("balance cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *BalanceCache) Close() error {
	return c.rdb.Close()
}
