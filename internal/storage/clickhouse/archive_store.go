package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"sentiflow/internal/domain"
	"sentiflow/internal/storage"
)

// ArchiveStore implements storage.ArchiveStore using ClickHouse.
// Closed buckets are immutable, so a ReplacingMergeTree keyed by
// (ticker, resolution, bucket_start) makes re-archiving harmless.
type ArchiveStore struct {
	conn *Conn
}

// NewArchiveStore creates a new ArchiveStore.
func NewArchiveStore(conn *Conn) *ArchiveStore {
	return &ArchiveStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ArchiveStore = (*ArchiveStore)(nil)

// InsertBulk archives closed buckets in one batch.
func (s *ArchiveStore) InsertBulk(ctx context.Context, buckets []*domain.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO bucket_archive (
			ticker, resolution, bucket_start,
			open, high, low, close,
			count, sum, label_counts, sources, last_updated
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range buckets {
		labels, err := json.Marshal(b.LabelCounts)
		if err != nil {
			return fmt.Errorf("marshal label_counts: %w", err)
		}
		err = batch.Append(
			b.Ticker, string(b.Resolution), b.BucketStart,
			b.Open, b.High, b.Low, b.Close,
			uint32(b.Count), b.Sum, string(labels), b.SourceList(), b.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetRange retrieves archived buckets with bucket_start in [from, to],
// ordered by bucket_start ASC. FINAL collapses replaced rows from
// repeated archiving.
func (s *ArchiveStore) GetRange(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT ticker, resolution, bucket_start,
		       open, high, low, close,
		       count, sum, label_counts, sources, last_updated
		FROM bucket_archive FINAL
		WHERE ticker = ? AND resolution = ? AND bucket_start BETWEEN ? AND ?
		ORDER BY bucket_start ASC
	`, ticker, string(res), from, to)
	if err != nil {
		return nil, fmt.Errorf("query archive range: %w", err)
	}
	defer rows.Close()

	var result []*domain.Bucket
	for rows.Next() {
		var (
			b          domain.Bucket
			resolution string
			count      uint32
			labels     string
			sources    []string
		)
		err := rows.Scan(
			&b.Ticker, &resolution, &b.BucketStart,
			&b.Open, &b.High, &b.Low, &b.Close,
			&count, &b.Sum, &labels, &sources, &b.LastUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}

		b.Resolution = domain.Resolution(resolution)
		b.Count = int(count)
		if err := json.Unmarshal([]byte(labels), &b.LabelCounts); err != nil {
			return nil, fmt.Errorf("unmarshal label_counts: %w", err)
		}
		b.Sources = make(map[string]bool, len(sources))
		for _, src := range sources {
			b.Sources[src] = true
		}
		// Archived buckets are closed by definition.
		b.IsPartial = false

		result = append(result, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive rows: %w", err)
	}

	return result, nil
}
