// Package redis provides a Redis-backed storage.BucketStore for
// deployments without Postgres. Bucket values live in plain keys with
// resolution-dependent TTLs; a per-(ticker,resolution) sorted set scored
// by bucket_start provides the range queries.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sentiflow/internal/domain"
	"sentiflow/internal/storage"
)

// BucketStore implements storage.BucketStore using Redis.
// Conditional updates use WATCH/MULTI optimistic transactions.
type BucketStore struct {
	rdb *redis.Client

	// maxCASRetries bounds the Upsert conflict retry loop.
	maxCASRetries int
}

// NewBucketStore creates a new Redis bucket store and pings the server.
func NewBucketStore(ctx context.Context, addr, password string, db int) (*BucketStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &BucketStore{rdb: rdb, maxCASRetries: 16}, nil
}

// Close shuts down the Redis client.
func (s *BucketStore) Close() error {
	return s.rdb.Close()
}

// Compile-time interface check.
var _ storage.BucketStore = (*BucketStore)(nil)

// Helper key generation functions
func bucketKey(ticker string, res domain.Resolution, start int64) string {
	return fmt.Sprintf("bucket:%s:%s:%d", ticker, res, start)
}
func indexKey(ticker string, res domain.Resolution) string {
	return fmt.Sprintf("idx:%s:%s", ticker, res)
}
func partialKey(res domain.Resolution) string {
	return fmt.Sprintf("partial:%s", res)
}

// Get retrieves one bucket. Returns ErrNotFound if absent.
func (s *BucketStore) Get(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64) (*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	raw, err := s.rdb.Get(ctx, bucketKey(ticker, res, bucketStart)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis get bucket: %w", err)
	}

	return unmarshalBucket(raw)
}

// Upsert applies fn inside a WATCH/MULTI optimistic transaction, retrying
// when a concurrent writer touched the key.
func (s *BucketStore) Upsert(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64, fn storage.UpdateFunc) (*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	key := bucketKey(ticker, res, bucketStart)
	var result *domain.Bucket

	txn := func(tx *redis.Tx) error {
		var current *domain.Bucket
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get bucket: %w", err)
		}
		if err == nil {
			if current, err = unmarshalBucket(raw); err != nil {
				return err
			}
		}

		updated, err := fn(current)
		if err != nil {
			return err
		}
		if updated == nil {
			result = nil
			return nil
		}

		if current != nil {
			updated.Version = current.Version + 1
		} else {
			updated.Version = 1
		}

		payload, err := marshalBucket(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if updated.ExpiresAt > 0 {
				pipe.ExpireAt(ctx, key, time.Unix(updated.ExpiresAt, 0))
			}
			pipe.ZAdd(ctx, indexKey(ticker, res), redis.Z{
				Score:  float64(bucketStart),
				Member: strconv.FormatInt(bucketStart, 10),
			})
			if updated.IsPartial {
				pipe.ZAdd(ctx, partialKey(res), redis.Z{
					Score:  float64(updated.BucketEnd()),
					Member: fmt.Sprintf("%s|%d", ticker, bucketStart),
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = updated
		return nil
	}

	for attempt := 0; attempt < s.maxCASRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Millisecond):
			}
		}

		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent writer, retry
		}
		return nil, err
	}

	return nil, storage.ErrConflict
}

// GetRange retrieves buckets with bucket_start in [from, to], ordered ASC.
func (s *BucketStore) GetRange(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error) {
	members, err := s.rdb.ZRangeByScore(ctx, indexKey(ticker, res), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range index: %w", err)
	}

	return s.loadMembers(ctx, ticker, res, members)
}

// GetLatest retrieves up to limit buckets before the cursor, newest first.
func (s *BucketStore) GetLatest(ctx context.Context, ticker string, res domain.Resolution, before int64, limit int) ([]*domain.Bucket, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	max := "+inf"
	if before > 0 {
		max = "(" + strconv.FormatInt(before, 10)
	}
	members, err := s.rdb.ZRevRangeByScore(ctx, indexKey(ticker, res), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rev range index: %w", err)
	}

	return s.loadMembers(ctx, ticker, res, members)
}

// loadMembers resolves index members to buckets, pruning index entries
// whose values already expired.
func (s *BucketStore) loadMembers(ctx context.Context, ticker string, res domain.Resolution, members []string) ([]*domain.Bucket, error) {
	var result []*domain.Bucket
	for _, m := range members {
		start, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		b, err := s.Get(ctx, ticker, res, start)
		if errors.Is(err, storage.ErrNotFound) {
			// Value TTL'd out from under the index.
			_ = s.rdb.ZRem(ctx, indexKey(ticker, res), m).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

// MarkClosed clears is_partial on buckets tracked in the partial zset
// whose window ended by cutoff.
func (s *BucketStore) MarkClosed(ctx context.Context, res domain.Resolution, cutoff int64) ([]*domain.Bucket, error) {
	members, err := s.rdb.ZRangeByScore(ctx, partialKey(res), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range partial set: %w", err)
	}

	var closed []*domain.Bucket
	for _, m := range members {
		parts := strings.SplitN(m, "|", 2)
		if len(parts) != 2 {
			_ = s.rdb.ZRem(ctx, partialKey(res), m).Err()
			continue
		}
		ticker := parts[0]
		start, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			_ = s.rdb.ZRem(ctx, partialKey(res), m).Err()
			continue
		}

		b, err := s.Upsert(ctx, ticker, res, start, func(cur *domain.Bucket) (*domain.Bucket, error) {
			if cur == nil || !cur.IsPartial {
				return nil, nil
			}
			updated := cur.Clone()
			updated.IsPartial = false
			return updated, nil
		})
		if err != nil {
			return nil, err
		}
		if b != nil {
			closed = append(closed, b)
		}
		_ = s.rdb.ZRem(ctx, partialKey(res), m).Err()
	}

	return closed, nil
}

// DeleteExpired trims index entries whose values Redis already expired.
// Values themselves carry EXPIREAT, so only the sorted sets need sweeping.
func (s *BucketStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	iter := s.rdb.Scan(ctx, 0, "idx:*:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		// Key layout: idx:{ticker}:{resolution}. Retention depends on the
		// resolution, so recover it from the key.
		parts := strings.Split(key, ":")
		res, ok := domain.ParseResolution(parts[len(parts)-1])
		if !ok {
			continue
		}
		cutoff := now.Add(-res.Retention()).Unix()

		n, err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis trim index %s: %w", key, err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan indexes: %w", err)
	}
	return removed, nil
}
