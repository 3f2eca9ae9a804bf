package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/storage"
)

func seedBucket(ticker string, res domain.Resolution, start int64, score float64) *domain.Bucket {
	return &domain.Bucket{
		Ticker:      ticker,
		Resolution:  res,
		BucketStart: start,
		Open:        score,
		High:        score,
		Low:         score,
		Close:       score,
		Count:       1,
		Sum:         score,
		LabelCounts: map[domain.Label]int{domain.LabelNeutral: 1},
		Sources:     map[string]bool{"src": true},
		IsPartial:   true,
		ExpiresAt:   start + 86400,
	}
}

func TestBucketStore_UpsertAndGet(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	got, err := store.Upsert(ctx, "AAPL", domain.Resolution5m, 600, func(cur *domain.Bucket) (*domain.Bucket, error) {
		if cur != nil {
			t.Fatal("expected absent bucket on first upsert")
		}
		return seedBucket("AAPL", domain.Resolution5m, 600, 0.5), nil
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}

	b, err := store.Get(ctx, "AAPL", domain.Resolution5m, 600)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if b.Close != 0.5 || b.Count != 1 {
		t.Errorf("unexpected bucket: %+v", b)
	}
}

func TestBucketStore_GetNotFound(t *testing.T) {
	store := NewBucketStore()
	_, err := store.Get(context.Background(), "AAPL", domain.Resolution1m, 60)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBucketStore_UpsertUpdateSeesCurrent(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, "AAPL", domain.Resolution5m, 600, func(*domain.Bucket) (*domain.Bucket, error) {
		return seedBucket("AAPL", domain.Resolution5m, 600, 0.5), nil
	})
	if err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	got, err := store.Upsert(ctx, "AAPL", domain.Resolution5m, 600, func(cur *domain.Bucket) (*domain.Bucket, error) {
		if cur == nil {
			t.Fatal("expected current bucket on second upsert")
		}
		updated := cur.Clone()
		updated.Count = 2
		updated.Close = -0.1
		return updated, nil
	})
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if got.Version != 2 || got.Count != 2 {
		t.Errorf("got version=%d count=%d, want 2/2", got.Version, got.Count)
	}
}

func TestBucketStore_UpsertAbort(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	got, err := store.Upsert(ctx, "AAPL", domain.Resolution5m, 600, func(*domain.Bucket) (*domain.Bucket, error) {
		return nil, nil
	})
	if err != nil || got != nil {
		t.Fatalf("aborted upsert: got %v, %v", got, err)
	}
	if _, err := store.Get(ctx, "AAPL", domain.Resolution5m, 600); !errors.Is(err, storage.ErrNotFound) {
		t.Error("aborted upsert must not persist anything")
	}
}

func TestBucketStore_GetRangeOrdered(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	for _, start := range []int64{1200, 600, 1800, 0} {
		s := start
		_, err := store.Upsert(ctx, "AAPL", domain.Resolution10m, s, func(*domain.Bucket) (*domain.Bucket, error) {
			return seedBucket("AAPL", domain.Resolution10m, s, 0.1), nil
		})
		if err != nil {
			t.Fatalf("Upsert(%d) failed: %v", s, err)
		}
	}

	got, err := store.GetRange(ctx, "AAPL", domain.Resolution10m, 600, 1800)
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].BucketStart >= got[i].BucketStart {
			t.Error("GetRange not ordered ASC")
		}
	}
}

func TestBucketStore_GetLatestPagination(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	for start := int64(0); start < 600; start += 60 {
		s := start
		store.Upsert(ctx, "AAPL", domain.Resolution1m, s, func(*domain.Bucket) (*domain.Bucket, error) {
			return seedBucket("AAPL", domain.Resolution1m, s, 0.1), nil
		})
	}

	page1, err := store.GetLatest(ctx, "AAPL", domain.Resolution1m, 0, 4)
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if len(page1) != 4 || page1[0].BucketStart != 540 || page1[3].BucketStart != 360 {
		t.Fatalf("page1 wrong: %d buckets, first=%d", len(page1), page1[0].BucketStart)
	}

	cursor := page1[len(page1)-1].BucketStart
	page2, err := store.GetLatest(ctx, "AAPL", domain.Resolution1m, cursor, 4)
	if err != nil {
		t.Fatalf("GetLatest page2 failed: %v", err)
	}
	if len(page2) != 4 || page2[0].BucketStart != 300 {
		t.Fatalf("page2 wrong: %d buckets, first=%d", len(page2), page2[0].BucketStart)
	}
}

func TestBucketStore_MarkClosed(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	store.Upsert(ctx, "AAPL", domain.Resolution1m, 60, func(*domain.Bucket) (*domain.Bucket, error) {
		return seedBucket("AAPL", domain.Resolution1m, 60, 0.1), nil
	})
	store.Upsert(ctx, "AAPL", domain.Resolution1m, 600, func(*domain.Bucket) (*domain.Bucket, error) {
		return seedBucket("AAPL", domain.Resolution1m, 600, 0.1), nil
	})

	closed, err := store.MarkClosed(ctx, domain.Resolution1m, 120)
	if err != nil {
		t.Fatalf("MarkClosed failed: %v", err)
	}
	if len(closed) != 1 || closed[0].BucketStart != 60 || closed[0].IsPartial {
		t.Fatalf("unexpected closed set: %+v", closed)
	}

	// Second sweep at the same cutoff finds nothing: the transition is once.
	closed, err = store.MarkClosed(ctx, domain.Resolution1m, 120)
	if err != nil {
		t.Fatalf("second MarkClosed failed: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("partial→closed must happen exactly once, got %d again", len(closed))
	}

	later, _ := store.Get(ctx, "AAPL", domain.Resolution1m, 600)
	if !later.IsPartial {
		t.Error("bucket still inside its window must stay partial")
	}
}

func TestBucketStore_DeleteExpired(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	old := seedBucket("AAPL", domain.Resolution1m, 60, 0.1)
	old.ExpiresAt = 1000
	store.Upsert(ctx, "AAPL", domain.Resolution1m, 60, func(*domain.Bucket) (*domain.Bucket, error) {
		return old, nil
	})
	fresh := seedBucket("AAPL", domain.Resolution1m, 120, 0.1)
	fresh.ExpiresAt = 9999
	store.Upsert(ctx, "AAPL", domain.Resolution1m, 120, func(*domain.Bucket) (*domain.Bucket, error) {
		return fresh, nil
	})

	removed, err := store.DeleteExpired(ctx, time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "AAPL", domain.Resolution1m, 60); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expired bucket should be gone")
	}
	if _, err := store.Get(ctx, "AAPL", domain.Resolution1m, 120); err != nil {
		t.Error("unexpired bucket should remain")
	}
}

func TestBucketStore_CloneIsolation(t *testing.T) {
	store := NewBucketStore()
	ctx := context.Background()

	store.Upsert(ctx, "AAPL", domain.Resolution1m, 60, func(*domain.Bucket) (*domain.Bucket, error) {
		return seedBucket("AAPL", domain.Resolution1m, 60, 0.1), nil
	})

	b, _ := store.Get(ctx, "AAPL", domain.Resolution1m, 60)
	b.Count = 999
	b.Sources["mutated"] = true

	again, _ := store.Get(ctx, "AAPL", domain.Resolution1m, 60)
	if again.Count == 999 || again.Sources["mutated"] {
		t.Error("caller mutation leaked into store")
	}
}
