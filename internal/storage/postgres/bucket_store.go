package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/storage"
)

// BucketStore implements storage.BucketStore using PostgreSQL.
// Concurrent writers are serialized per bucket with an optimistic
// compare-and-swap on the version column.
type BucketStore struct {
	pool *Pool

	// maxCASRetries bounds the Upsert conflict retry loop.
	maxCASRetries int
}

// NewBucketStore creates a new BucketStore.
func NewBucketStore(pool *Pool) *BucketStore {
	return &BucketStore{pool: pool, maxCASRetries: 16}
}

// Compile-time interface check.
var _ storage.BucketStore = (*BucketStore)(nil)

const bucketColumns = `
	ticker, resolution, bucket_start,
	open, high, low, close,
	count, sum, label_counts, sources, recent_event_ids,
	last_updated, expires_at, is_partial, version
`

// Get retrieves one bucket. Returns ErrNotFound if absent.
func (s *BucketStore) Get(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64) (*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	query := `SELECT ` + bucketColumns + `
		FROM buckets
		WHERE ticker = $1 AND resolution = $2 AND bucket_start = $3
	`

	row := s.pool.QueryRow(ctx, query, ticker, string(res), bucketStart)
	b, err := scanBucket(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	return b, nil
}

// Upsert atomically applies fn via a version CAS retry loop.
func (s *BucketStore) Upsert(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64, fn storage.UpdateFunc) (*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	for attempt := 0; attempt < s.maxCASRetries; attempt++ {
		if attempt > 0 {
			// Brief jittered pause so contending writers interleave.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Millisecond):
			}
		}

		current, err := s.Get(ctx, ticker, res, bucketStart)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		updated, err := fn(current)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, nil
		}

		if current == nil {
			updated.Version = 1
			inserted, err := s.insert(ctx, updated)
			if err != nil {
				return nil, err
			}
			if inserted {
				return updated, nil
			}
			// Lost the insert race; reload and retry with the winner's row.
			continue
		}

		updated.Version = current.Version + 1
		swapped, err := s.updateCAS(ctx, updated, current.Version)
		if err != nil {
			return nil, err
		}
		if swapped {
			return updated, nil
		}
	}

	return nil, storage.ErrConflict
}

// insert adds a bucket row; returns false if another writer created it first.
func (s *BucketStore) insert(ctx context.Context, b *domain.Bucket) (bool, error) {
	labelCounts, sources, recentIDs, err := marshalBucketJSON(b)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO buckets (` + bucketColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (ticker, resolution, bucket_start) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		b.Ticker, string(b.Resolution), b.BucketStart,
		b.Open, b.High, b.Low, b.Close,
		b.Count, b.Sum, labelCounts, sources, recentIDs,
		b.LastUpdated, b.ExpiresAt, b.IsPartial, b.Version,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert bucket: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// updateCAS swaps the row only if the stored version is still expectVersion.
func (s *BucketStore) updateCAS(ctx context.Context, b *domain.Bucket, expectVersion int64) (bool, error) {
	labelCounts, sources, recentIDs, err := marshalBucketJSON(b)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE buckets SET
			open = $4, high = $5, low = $6, close = $7,
			count = $8, sum = $9, label_counts = $10, sources = $11, recent_event_ids = $12,
			last_updated = $13, expires_at = $14, is_partial = $15, version = $16
		WHERE ticker = $1 AND resolution = $2 AND bucket_start = $3 AND version = $17
	`

	tag, err := s.pool.Exec(ctx, query,
		b.Ticker, string(b.Resolution), b.BucketStart,
		b.Open, b.High, b.Low, b.Close,
		b.Count, b.Sum, labelCounts, sources, recentIDs,
		b.LastUpdated, b.ExpiresAt, b.IsPartial, b.Version,
		expectVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update bucket: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRange retrieves buckets with bucket_start in [from, to], ordered ASC.
func (s *BucketStore) GetRange(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error) {
	query := `SELECT ` + bucketColumns + `
		FROM buckets
		WHERE ticker = $1 AND resolution = $2 AND bucket_start BETWEEN $3 AND $4
		ORDER BY bucket_start ASC
	`

	rows, err := s.pool.Query(ctx, query, ticker, string(res), from, to)
	if err != nil {
		return nil, fmt.Errorf("query bucket range: %w", err)
	}
	defer rows.Close()

	return collectBuckets(rows)
}

// GetLatest retrieves up to limit buckets before the cursor, newest first.
func (s *BucketStore) GetLatest(ctx context.Context, ticker string, res domain.Resolution, before int64, limit int) ([]*domain.Bucket, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `SELECT ` + bucketColumns + `
		FROM buckets
		WHERE ticker = $1 AND resolution = $2 AND ($3 <= 0 OR bucket_start < $3)
		ORDER BY bucket_start DESC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, ticker, string(res), before, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest buckets: %w", err)
	}
	defer rows.Close()

	return collectBuckets(rows)
}

// MarkClosed clears is_partial on buckets whose window ended by cutoff.
func (s *BucketStore) MarkClosed(ctx context.Context, res domain.Resolution, cutoff int64) ([]*domain.Bucket, error) {
	query := `
		UPDATE buckets
		SET is_partial = FALSE, version = version + 1
		WHERE resolution = $1 AND is_partial AND bucket_start + $2 <= $3
		RETURNING ` + bucketColumns

	rows, err := s.pool.Query(ctx, query, string(res), res.DurationSeconds(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark closed: %w", err)
	}
	defer rows.Close()

	return collectBuckets(rows)
}

// DeleteExpired removes buckets whose TTL passed.
func (s *BucketStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM buckets WHERE expires_at > 0 AND expires_at <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*domain.Bucket, error) {
	var (
		b          domain.Bucket
		resolution string
		labels     []byte
		sources    []byte
		recentIDs  []byte
	)

	err := row.Scan(
		&b.Ticker, &resolution, &b.BucketStart,
		&b.Open, &b.High, &b.Low, &b.Close,
		&b.Count, &b.Sum, &labels, &sources, &recentIDs,
		&b.LastUpdated, &b.ExpiresAt, &b.IsPartial, &b.Version,
	)
	if err != nil {
		return nil, err
	}

	b.Resolution = domain.Resolution(resolution)
	if err := json.Unmarshal(labels, &b.LabelCounts); err != nil {
		return nil, fmt.Errorf("unmarshal label_counts: %w", err)
	}
	if err := json.Unmarshal(sources, &b.Sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	if err := json.Unmarshal(recentIDs, &b.RecentEventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal recent_event_ids: %w", err)
	}
	return &b, nil
}

func collectBuckets(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]*domain.Bucket, error) {
	var result []*domain.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return result, nil
}

func marshalBucketJSON(b *domain.Bucket) (labelCounts, sources, recentIDs []byte, err error) {
	if labelCounts, err = json.Marshal(b.LabelCounts); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal label_counts: %w", err)
	}
	if sources, err = json.Marshal(b.Sources); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal sources: %w", err)
	}
	if b.RecentEventIDs == nil {
		recentIDs = []byte("[]")
	} else if recentIDs, err = json.Marshal(b.RecentEventIDs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal recent_event_ids: %w", err)
	}
	return labelCounts, sources, recentIDs, nil
}
