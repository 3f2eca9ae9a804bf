package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/storage"
	"sentiflow/internal/storage/memory"
)

func testEvent(id string, score float64, ts int64) domain.Event {
	return domain.Event{
		ID:     id,
		Ticker: "AAPL",
		Score:  score,
		Label:  domain.LabelPositive,
		Source: "reuters",
		Time:   ts,
	}
}

func TestWriter_FansOutToAllResolutions(t *testing.T) {
	store := memory.NewBucketStore()
	w := NewWriter(store, nil, DefaultWriterConfig(), nil, nil)

	ts := time.Date(2024, 3, 15, 10, 3, 17, 0, time.UTC).Unix()
	result, err := w.Write(context.Background(), testEvent("e1", 0.8, ts))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("unexpected failures: %v", result.Failed)
	}
	if len(result.Updated) != len(domain.Resolutions) {
		t.Fatalf("updated %d resolutions, want %d", len(result.Updated), len(domain.Resolutions))
	}

	for _, res := range domain.Resolutions {
		b, err := store.Get(context.Background(), "AAPL", res, res.Align(ts))
		if err != nil {
			t.Errorf("%s: bucket missing: %v", res, err)
			continue
		}
		if b.Count != 1 || b.Open != 0.8 {
			t.Errorf("%s: bucket = count %d open %v", res, b.Count, b.Open)
		}
	}
}

func TestWriter_IdempotentUnderRedelivery(t *testing.T) {
	store := memory.NewBucketStore()
	w := NewWriter(store, nil, DefaultWriterConfig(), nil, nil)
	ctx := context.Background()

	ev := testEvent("e1", 0.8, 617)
	if _, err := w.Write(ctx, ev); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	result, err := w.Write(ctx, ev)
	if err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if !result.Duplicate {
		t.Error("redelivered event should be reported as duplicate")
	}
	if len(result.Updated) != 0 {
		t.Errorf("duplicate emitted %d notifications", len(result.Updated))
	}

	b, err := store.Get(ctx, "AAPL", domain.Resolution5m, 600)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if b.Count != 1 || b.Sum != 0.8 {
		t.Errorf("redelivery changed bucket: count=%d sum=%v", b.Count, b.Sum)
	}
}

func TestWriter_RejectsMalformedEvent(t *testing.T) {
	store := memory.NewBucketStore()
	w := NewWriter(store, nil, DefaultWriterConfig(), nil, nil)

	ev := testEvent("e1", 1.5, 617) // score out of range
	_, err := w.Write(context.Background(), ev)
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}

	if _, err := store.Get(context.Background(), "AAPL", domain.Resolution5m, 600); !errors.Is(err, storage.ErrNotFound) {
		t.Error("malformed event must not reach the store")
	}
}

func TestWriter_PublishesNotifications(t *testing.T) {
	store := memory.NewBucketStore()
	bus := NewBus(64)
	ch := bus.Subscribe()
	w := NewWriter(store, bus, DefaultWriterConfig(), nil, nil)

	if _, err := w.Write(context.Background(), testEvent("e1", 0.4, 617)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	seen := make(map[domain.Resolution]bool)
	timeout := time.After(time.Second)
	for len(seen) < len(domain.Resolutions) {
		select {
		case n := <-ch:
			if n.Bucket == nil {
				t.Fatal("notification missing bucket payload")
			}
			if n.Ticker != "AAPL" {
				t.Fatalf("unexpected ticker %q", n.Ticker)
			}
			seen[n.Resolution] = true
		case <-timeout:
			t.Fatalf("timed out; saw %d/%d notifications", len(seen), len(domain.Resolutions))
		}
	}
}

// failingStore wraps the memory store and fails Upsert for selected
// resolutions a limited number of times.
type failingStore struct {
	*memory.BucketStore
	mu       sync.Mutex
	failures map[domain.Resolution]int
}

func (s *failingStore) Upsert(ctx context.Context, ticker string, res domain.Resolution, bucketStart int64, fn storage.UpdateFunc) (*domain.Bucket, error) {
	s.mu.Lock()
	if s.failures[res] > 0 {
		s.failures[res]--
		s.mu.Unlock()
		return nil, errors.New("throttled")
	}
	s.mu.Unlock()
	return s.BucketStore.Upsert(ctx, ticker, res, bucketStart, fn)
}

func TestWriter_RetriesTransientErrors(t *testing.T) {
	store := &failingStore{
		BucketStore: memory.NewBucketStore(),
		failures:    map[domain.Resolution]int{domain.Resolution1m: 2},
	}
	config := DefaultWriterConfig()
	config.RetryBaseDelay = time.Millisecond
	w := NewWriter(store, nil, config, nil, nil)

	result, err := w.Write(context.Background(), testEvent("e1", 0.3, 617))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("expected retries to recover, got failures: %v", result.Failed)
	}
}

func TestWriter_PartialFailureIsolated(t *testing.T) {
	store := &failingStore{
		BucketStore: memory.NewBucketStore(),
		failures:    map[domain.Resolution]int{domain.Resolution1h: 100}, // beyond retry budget
	}
	config := DefaultWriterConfig()
	config.MaxRetries = 2
	config.RetryBaseDelay = time.Millisecond
	w := NewWriter(store, nil, config, nil, nil)

	result, err := w.Write(context.Background(), testEvent("e1", 0.3, 617))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if result.OK() {
		t.Fatal("expected a partial failure")
	}
	if len(result.Failed) != 1 || result.Failed[0].Resolution != domain.Resolution1h {
		t.Fatalf("unexpected failed set: %v", result.Failed)
	}
	if len(result.Updated) != len(domain.Resolutions)-1 {
		t.Errorf("other resolutions should succeed: got %d updates", len(result.Updated))
	}

	// The succeeded projections stay visible (no rollback).
	if _, err := store.Get(context.Background(), "AAPL", domain.Resolution5m, 600); err != nil {
		t.Errorf("5m projection should be visible: %v", err)
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(domain.Notification{BucketStart: int64(i)})
	}

	// Queue holds the newest two; the oldest three were dropped.
	first := <-ch
	second := <-ch
	if first.BucketStart != 3 || second.BucketStart != 4 {
		t.Errorf("expected newest notifications to survive, got %d and %d",
			first.BucketStart, second.BucketStart)
	}
	select {
	case n := <-ch:
		t.Errorf("unexpected extra notification %d", n.BucketStart)
	default:
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe()
	bus.Close()

	// A writer that finishes draining after shutdown must not panic the
	// process or surface phantom notifications.
	bus.Publish(domain.Notification{BucketStart: 1})
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed with no pending notifications")
	}

	// Late subscribers see an already-ended stream.
	if _, ok := <-bus.Subscribe(); ok {
		t.Error("expected subscription after close to be immediately closed")
	}
}
