package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRecencyRepository keeps one sorted set per observer: member = observed
// identity, score = unix milliseconds of the last co-presence. ZADD GT keeps
// entries monotonic without a read-modify-write round trip.
type RedisRecencyRepository struct {
	client *redis.Client
	prefix string
	// ttl bounds unqueried ledgers; refreshed on every write.
	ttl time.Duration
}

func NewRedisRecencyRepository(client *redis.Client, ttl time.Duration) ports.RecencyRepository {
	return &RedisRecencyRepository{
		client: client,
		prefix: "dicksword:recency:",
		ttl:    ttl,
	}
}

func (r *RedisRecencyRepository) key(observer domain.IdentityID) string {
	return r.prefix + string(observer)
}

func (r *RedisRecencyRepository) Upsert(ctx context.Context, observer, observed domain.IdentityID, at time.Time) error {
	key := r.key(observer)
	pipe := r.client.Pipeline()
	pipe.ZAddGT(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(observed),
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert recency entry: %w", err)
	}
	return nil
}

func (r *RedisRecencyRepository) ListSince(ctx context.Context, observer domain.IdentityID, cutoff time.Time) ([]domain.RecencyEntry, error) {
	zs, err := r.client.ZRevRangeByScoreWithScores(ctx, r.key(observer), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recency entries: %w", err)
	}

	out := make([]domain.RecencyEntry, 0, len(zs))
	for _, z := range zs {
		observed, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, domain.RecencyEntry{
			Observer: observer,
			Observed: domain.IdentityID(observed),
			LastSeen: time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}
