// Package redisstore provides a Redis-backed webhookauth.Store so several
// replicas can share one rate-limit window per client.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "muster:ratelimit:"

// Store keeps one sorted set per key, scored by Unix microseconds.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New returns a Store. ttl should be at least the limiter window; idle keys
// expire on their own after it.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (s *Store) key(k string) string { return s.prefix + k }

// Record implements webhookauth.Store.
func (s *Store) Record(ctx context.Context, key string, at time.Time) error {
	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{
			Score:  float64(at.UnixMicro()),
			Member: ulid.Make().String(),
		})
		p.PExpire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record %s: %w", key, err)
	}
	return nil
}

// Since implements webhookauth.Store.
func (s *Store) Since(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis since %s: %w", key, err)
	}
	out := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		out = append(out, time.UnixMicro(int64(z.Score)))
	}
	return out, nil
}

// Purge implements webhookauth.Store.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) error {
	upper := strconv.FormatInt(olderThan.UnixMicro(), 10)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range keys {
			if err := s.client.ZRemRangeByScore(ctx, k, "-inf", upper).Err(); err != nil {
				return fmt.Errorf("redis purge %s: %w", k, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
