package timeseries

import (
	"context"
	"log"
	"os"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
	"sentiflow/internal/storage"
)

// DefaultSweepInterval balances prompt partial-to-closed transitions
// against store load.
const DefaultSweepInterval = time.Minute

// maxPendingArchive bounds buckets staged after a failed archive write.
// Beyond this the oldest staged buckets are dropped with a log line.
const maxPendingArchive = 10000

// Sweeper drives the lifecycle transitions the write path never
// performs: it confirms is_partial=false once a bucket's window
// elapses, copies newly closed buckets to the archive, and deletes
// primary rows past their retention TTL. Idempotent per pass, so a
// crashed sweep just reruns.
type Sweeper struct {
	store    storage.BucketStore
	archive  storage.ArchiveStore // optional
	interval time.Duration
	metrics  *observability.Metrics
	logger   *log.Logger
	clock    func() time.Time

	// pending holds buckets a failed archive write left behind. MarkClosed
	// reports a bucket exactly once, so these are re-offered on the next
	// sweep instead of being lost. Only the sweep goroutine touches it.
	pending []*domain.Bucket
}

func NewSweeper(store storage.BucketStore, archive storage.ArchiveStore, interval time.Duration, metrics *observability.Metrics, logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sweeper] ", log.LstdFlags)
	}
	return &Sweeper{
		store:    store,
		archive:  archive,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		clock:    time.Now,
	}
}

// Run sweeps on the configured interval until ctx ends. Meant to run on
// its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over every resolution.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock()
	var closed []*domain.Bucket
	for _, res := range domain.Resolutions {
		batch, err := s.store.MarkClosed(ctx, res, now.Unix())
		if err != nil {
			s.logger.Printf("mark closed %s: %v", res, err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if s.metrics != nil {
			s.metrics.BucketsClosed.Add(float64(len(batch)))
		}
		closed = append(closed, batch...)
	}
	s.archiveClosed(ctx, closed)

	deleted, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Printf("delete expired: %v", err)
		return
	}
	if deleted > 0 {
		s.logger.Printf("expired %d buckets", deleted)
		if s.metrics != nil {
			s.metrics.BucketsExpired.Add(float64(deleted))
		}
	}
}

// archiveClosed writes staged leftovers plus the newly closed batch.
// The archive table replaces on key, so re-offering an already stored
// bucket is harmless.
func (s *Sweeper) archiveClosed(ctx context.Context, closed []*domain.Bucket) {
	if s.archive == nil {
		return
	}
	batch := append(s.pending, closed...)
	s.pending = nil
	if len(batch) == 0 {
		return
	}

	if err := s.archive.InsertBulk(ctx, batch); err != nil {
		s.logger.Printf("archive %d closed buckets failed, staged for next sweep: %v", len(batch), err)
		if excess := len(batch) - maxPendingArchive; excess > 0 {
			s.logger.Printf("pending archive over %d buckets, dropping %d oldest", maxPendingArchive, excess)
			batch = batch[excess:]
		}
		s.pending = batch
		return
	}
	if s.metrics != nil {
		s.metrics.BucketsArchived.Add(float64(len(batch)))
	}
}
