package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recencyBatchSize     = 128
	recencyBatchInterval = 250 * time.Millisecond
)

// BatchedRecencyRepository coalesces co-presence upserts into pipelined
// writes. A busy relay produces a burst of upserts on every join; batching
// turns them into one round trip per interval. Writes are acknowledged
// before they land, so an entry may trail live state by up to one batch
// interval; reads flush pending writes first.
type BatchedRecencyRepository struct {
	inner   *RedisRecencyRepository
	batcher *batch.Batcher[upsert]
	logger  *zap.SugaredLogger
}

func NewBatchedRecencyRepository(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *BatchedRecencyRepository {
	r := &BatchedRecencyRepository{
		inner:  &RedisRecencyRepository{client: client, prefix: "dicksword:recency:", ttl: ttl},
		logger: logger,
	}
	r.batcher = batch.NewBatcher(recencyBatchSize, recencyBatchInterval, r.writeBatch)
	return r
}

var _ ports.RecencyRepository = (*BatchedRecencyRepository)(nil)

type upsert struct {
	observer domain.IdentityID
	observed domain.IdentityID
	at       time.Time
}

func (r *BatchedRecencyRepository) Upsert(ctx context.Context, observer, observed domain.IdentityID, at time.Time) error {
	r.batcher.Add(upsert{observer: observer, observed: observed, at: at})
	return nil
}

func (r *BatchedRecencyRepository) ListSince(ctx context.Context, observer domain.IdentityID, cutoff time.Time) ([]domain.RecencyEntry, error) {
	// Read-your-writes for the caller's own recent joins.
	if err := r.batcher.Flush(ctx); err != nil {
		r.logger.Warnw("recency batch flush failed before read", "error", err)
	}
	return r.inner.ListSince(ctx, observer, cutoff)
}

// writeBatch pipelines a batch of upserts into a single Redis round trip.
func (r *BatchedRecencyRepository) writeBatch(ctx context.Context, upserts []upsert) error {
	pipe := r.inner.client.Pipeline()
	for _, u := range upserts {
		key := r.inner.key(u.observer)
		pipe.ZAddGT(ctx, key, redis.Z{
			Score:  float64(u.at.UnixMilli()),
			Member: string(u.observed),
		})
		if r.inner.ttl > 0 {
			pipe.Expire(ctx, key, r.inner.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnw("recency batch write failed", "upserts", len(upserts), "error", err)
		return fmt.Errorf("failed to write recency batch: %w", err)
	}
	return nil
}

// Close flushes pending writes and stops the background flusher.
func (r *BatchedRecencyRepository) Close() {
	r.batcher.Close()
}
