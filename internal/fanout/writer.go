// Package fanout implements the write path: one scored event becomes
// eight idempotent bucket upserts, one per resolution, plus a change
// notification per successful write.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sentiflow/internal/aggregate"
	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
	"sentiflow/internal/storage"
)

// WriteError describes one failed resolution write within a fan-out.
type WriteError struct {
	Resolution  domain.Resolution
	BucketStart int64
	Err         error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s bucket %d: %v", e.Resolution, e.BucketStart, e.Err)
}

// Unwrap exposes the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// FanoutResult reports the outcome of one event's fan-out. The eight
// resolution writes are independent projections: a partial failure leaves
// the succeeded subset visible and is healed by redelivery, never rolled
// back.
type FanoutResult struct {
	EventID   string
	Updated   []domain.Notification
	Failed    []*WriteError
	Duplicate bool // true when every write deduplicated the event
}

// OK reports whether all resolutions were written (or deduplicated).
func (r *FanoutResult) OK() bool {
	return len(r.Failed) == 0
}

// WriterConfig configures fan-out behavior.
type WriterConfig struct {
	// DedupWindow is the number of recent event ids kept per bucket.
	DedupWindow int
	// MaxRetries bounds per-resolution retry attempts on transient errors.
	MaxRetries int
	// RetryBaseDelay is the initial backoff delay, doubled per attempt.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration
}

// DefaultWriterConfig returns default fan-out configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		DedupWindow:    aggregate.DefaultDedupWindow,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}
}

// Writer fans one event out to all eight resolution buckets.
type Writer struct {
	store   storage.BucketStore
	bus     *Bus
	config  WriterConfig
	metrics *observability.Metrics
	logger  *log.Logger
	clock   func() time.Time
}

// NewWriter creates a fan-out writer. bus and metrics may be nil.
func NewWriter(store storage.BucketStore, bus *Bus, config WriterConfig, metrics *observability.Metrics, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.Default()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 50 * time.Millisecond
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		config.RetryMaxDelay = 2 * time.Second
	}
	return &Writer{
		store:   store,
		bus:     bus,
		config:  config,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
	}
}

// Write validates the event and issues the eight resolution writes in
// parallel. Safe to call concurrently.
func (w *Writer) Write(ctx context.Context, ev domain.Event) (*FanoutResult, error) {
	if w.metrics != nil {
		w.metrics.EventsReceived.Inc()
	}

	if err := ev.Validate(); err != nil {
		if w.metrics != nil {
			w.metrics.EventsRejected.Inc()
		}
		w.logger.Printf("rejected event %q: %v", ev.ID, err)
		return nil, err
	}

	started := w.clock()
	result := &FanoutResult{EventID: ev.ID}

	type outcome struct {
		notification *domain.Notification
		writeErr     *WriteError
		applied      bool
	}

	outcomes := make([]outcome, len(domain.Resolutions))
	var wg sync.WaitGroup
	for i, res := range domain.Resolutions {
		wg.Add(1)
		go func(i int, res domain.Resolution) {
			defer wg.Done()

			bucketStart := res.Align(ev.Time)
			bucket, err := w.writeOne(ctx, ev, res, bucketStart)
			if err != nil {
				outcomes[i] = outcome{writeErr: &WriteError{Resolution: res, BucketStart: bucketStart, Err: err}}
				return
			}
			if bucket == nil {
				// Deduplicated: redelivery of an id already in the window.
				outcomes[i] = outcome{}
				return
			}
			outcomes[i] = outcome{
				applied: true,
				notification: &domain.Notification{
					Ticker:      ev.Ticker,
					Resolution:  res,
					BucketStart: bucketStart,
					Partial:     bucket.Partial(w.clock()),
					Bucket:      bucket,
				},
			}
		}(i, res)
	}
	wg.Wait()

	anyApplied := false
	for _, o := range outcomes {
		switch {
		case o.writeErr != nil:
			result.Failed = append(result.Failed, o.writeErr)
			if w.metrics != nil {
				w.metrics.BucketWriteErrors.WithLabelValues(o.writeErr.Resolution.String()).Inc()
			}
			w.logger.Printf("fan-out partial failure for event %q: %v", ev.ID, o.writeErr)
		case o.notification != nil:
			result.Updated = append(result.Updated, *o.notification)
			anyApplied = true
			if w.metrics != nil {
				w.metrics.BucketWrites.WithLabelValues(o.notification.Resolution.String()).Inc()
			}
		}
	}

	if !anyApplied && len(result.Failed) == 0 {
		result.Duplicate = true
		if w.metrics != nil {
			w.metrics.DuplicateEvents.Inc()
		}
	}

	if w.bus != nil {
		for _, n := range result.Updated {
			w.bus.Publish(n)
		}
	}

	if w.metrics != nil {
		w.metrics.FanoutLatency.Observe(w.clock().Sub(started).Seconds())
	}

	return result, nil
}

// writeOne upserts a single (resolution, bucket) target with bounded
// exponential backoff on transient errors. Returns (nil, nil) when the
// event deduplicated.
func (w *Writer) writeOne(ctx context.Context, ev domain.Event, res domain.Resolution, bucketStart int64) (*domain.Bucket, error) {
	var lastErr error
	delay := w.config.RetryBaseDelay

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > w.config.RetryMaxDelay {
				delay = w.config.RetryMaxDelay
			}
		}

		bucket, err := w.store.Upsert(ctx, ev.Ticker, res, bucketStart, func(cur *domain.Bucket) (*domain.Bucket, error) {
			updated, applied := aggregate.Apply(cur, ev, res, w.config.DedupWindow)
			if !applied {
				return nil, nil
			}
			return updated, nil
		})
		if err == nil {
			return bucket, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// isTransient reports whether an error is worth retrying. Validation
// failures are not; everything reaching the store I/O path is.
func isTransient(err error) bool {
	if errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, domain.ErrMalformedEvent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
