package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/storage"
)

// BucketStore is an in-memory implementation of storage.BucketStore.
type BucketStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Bucket // keyed by (ticker, resolution, bucket_start)
}

// NewBucketStore creates a new in-memory bucket store.
func NewBucketStore() *BucketStore {
	return &BucketStore{
		data: make(map[string]*domain.Bucket),
	}
}

// bucketKey generates a unique key for a bucket.
func bucketKey(ticker string, res domain.Resolution, bucketStart int64) string {
	return fmt.Sprintf("%s#%s|%d", ticker, res, bucketStart)
}

// Compile-time interface check.
var _ storage.BucketStore = (*BucketStore)(nil)

// Get retrieves one bucket. Returns ErrNotFound if absent.
func (s *BucketStore) Get(_ context.Context, ticker string, res domain.Resolution, bucketStart int64) (*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data[bucketKey(ticker, res, bucketStart)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

// Upsert atomically applies fn to the bucket at the key.
// The whole read-modify-write runs under the store lock, so no version
// conflict is possible here; Version still advances for parity with the
// durable implementations.
func (s *BucketStore) Upsert(_ context.Context, ticker string, res domain.Resolution, bucketStart int64, fn storage.UpdateFunc) (*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(ticker, res, bucketStart)

	var current *domain.Bucket
	if existing, ok := s.data[key]; ok {
		current = existing.Clone()
	}

	updated, err := fn(current)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// fn aborted (e.g. duplicate event); nothing to persist.
		return nil, nil
	}

	if current != nil {
		updated.Version = current.Version + 1
	} else {
		updated.Version = 1
	}
	s.data[key] = updated.Clone()

	return updated.Clone(), nil
}

// GetRange retrieves buckets with bucket_start in [from, to], ordered ASC.
func (s *BucketStore) GetRange(_ context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bucket
	for _, b := range s.data {
		if b.Ticker == ticker && b.Resolution == res && b.BucketStart >= from && b.BucketStart <= to {
			result = append(result, b.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketStart < result[j].BucketStart
	})

	return result, nil
}

// GetLatest retrieves up to limit buckets before the cursor, newest first.
func (s *BucketStore) GetLatest(_ context.Context, ticker string, res domain.Resolution, before int64, limit int) ([]*domain.Bucket, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bucket
	for _, b := range s.data {
		if b.Ticker != ticker || b.Resolution != res {
			continue
		}
		if before > 0 && b.BucketStart >= before {
			continue
		}
		result = append(result, b.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketStart > result[j].BucketStart
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkClosed clears is_partial on buckets whose window ended by cutoff.
func (s *BucketStore) MarkClosed(_ context.Context, res domain.Resolution, cutoff int64) ([]*domain.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []*domain.Bucket
	for _, b := range s.data {
		if b.Resolution == res && b.IsPartial && b.BucketEnd() <= cutoff {
			b.IsPartial = false
			b.Version++
			closed = append(closed, b.Clone())
		}
	}

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Ticker != closed[j].Ticker {
			return closed[i].Ticker < closed[j].Ticker
		}
		return closed[i].BucketStart < closed[j].BucketStart
	})

	return closed, nil
}

// DeleteExpired removes buckets whose TTL passed.
func (s *BucketStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	cutoff := now.Unix()
	for key, b := range s.data {
		if b.ExpiresAt > 0 && b.ExpiresAt <= cutoff {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}
