package storage

import (
	"context"
	"time"

	"sentiflow/internal/domain"
)

// UpdateFunc transforms the current bucket (nil when absent) into the
// bucket to persist. Returning (nil, nil) aborts the upsert without
// writing, which is how deduplicated events become no-ops.
type UpdateFunc func(current *domain.Bucket) (*domain.Bucket, error)

// BucketStore is the primary, range-queryable bucket storage keyed by
// (ticker, resolution) partitions sorted by bucket_start.
type BucketStore interface {
	// Get retrieves one bucket. Returns ErrNotFound if absent.
	Get(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64) (*domain.Bucket, error)

	// Upsert atomically applies fn to the bucket at the key, creating it
	// when absent. Implementations retry version conflicts internally and
	// return the persisted bucket, or (nil, nil) when fn aborted.
	Upsert(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64, fn UpdateFunc) (*domain.Bucket, error)

	// GetRange retrieves buckets with bucket_start in [from, to],
	// ordered by bucket_start ASC.
	GetRange(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error)

	// GetLatest retrieves up to limit buckets with bucket_start < before
	// (before <= 0 means "newest"), ordered by bucket_start DESC.
	GetLatest(ctx context.Context, ticker string, res domain.Resolution, before int64, limit int) ([]*domain.Bucket, error)

	// MarkClosed clears is_partial on buckets of the resolution whose
	// window ended at or before cutoff, returning those it transitioned.
	MarkClosed(ctx context.Context, res domain.Resolution, cutoff int64) ([]*domain.Bucket, error)

	// DeleteExpired removes buckets whose TTL passed. Returns the number
	// of buckets removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ArchiveStore holds immutable closed buckets for deep scroll-back after
// primary-store TTL expiry. Append-only.
type ArchiveStore interface {
	// InsertBulk archives closed buckets. Re-archiving the same key must
	// be harmless (dedup on read or replacing merge).
	InsertBulk(ctx context.Context, buckets []*domain.Bucket) error

	// GetRange retrieves archived buckets with bucket_start in [from, to],
	// ordered by bucket_start ASC.
	GetRange(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error)
}
