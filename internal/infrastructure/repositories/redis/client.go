package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Parr-Marketing/Dicksword/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Connect dials Redis and verifies the connection. The initial ping is
// retried with backoff; at boot Redis often comes up a moment after the
// relay when both start together.
func Connect(ctx context.Context, address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.Retry(ctx, retry.DefaultConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", address, err)
	}

	logger.Infow("connected to redis", "address", address, "db", db, "pool_size", poolSize)
	return client, nil
}
