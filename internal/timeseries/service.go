package timeseries

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"sentiflow/internal/cache"
	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
	"sentiflow/internal/preload"
	"sentiflow/internal/storage"
)

const (
	// DefaultLimit is the page size when the client does not ask for one.
	DefaultLimit = 100

	// MaxLimit caps a single page.
	MaxLimit = 500
)

// Query is one paginated read. Cursor is the bucket_start of the last
// bucket from the previous page; zero starts from the newest bucket.
type Query struct {
	Ticker     string
	Resolution domain.Resolution
	Limit      int
	Cursor     int64
}

// Page is a newest-first slice of buckets plus the cursor to continue.
type Page struct {
	Buckets    []*domain.Bucket `json:"buckets"`
	NextCursor int64            `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// Service is the read path: cache in front, then the primary store,
// then the archive for history the primary store has already expired.
// Reads fill the cache and enqueue speculative preloads; neither ever
// blocks the response.
type Service struct {
	store     storage.BucketStore
	archive   storage.ArchiveStore // optional
	cache     *cache.ResolutionCache
	preloader *preload.Manager
	metrics   *observability.Metrics
	logger    *log.Logger
	clock     func() time.Time
}

func NewService(store storage.BucketStore, archive storage.ArchiveStore, c *cache.ResolutionCache, metrics *observability.Metrics, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[timeseries] ", log.LstdFlags)
	}
	return &Service{
		store:   store,
		archive: archive,
		cache:   c,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
	}
}

// AttachPreloader wires the warm pool. Called after construction
// because the pool's warm function is this service's Warm.
func (s *Service) AttachPreloader(m *preload.Manager) {
	s.preloader = m
}

func (s *Service) validate(q *Query) error {
	if q.Ticker == "" {
		return fmt.Errorf("%w: ticker is required", storage.ErrInvalidInput)
	}
	if !q.Resolution.IsValid() {
		return fmt.Errorf("%w: unknown resolution %q", storage.ErrInvalidInput, q.Resolution)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return nil
}

// Latest serves one newest-first page.
func (s *Service) Latest(ctx context.Context, q Query) (*Page, error) {
	if err := s.validate(&q); err != nil {
		return nil, err
	}

	now := s.clock()
	oldestAllowed := q.Resolution.Align(now.Add(-q.Resolution.MaxLookback()).Unix())

	buckets, err := s.getLatest(ctx, q.Ticker, q.Resolution, q.Cursor, q.Limit+1)
	if err != nil {
		return nil, err
	}

	// The look-back clamp bounds how deep pagination can go.
	for len(buckets) > 0 && buckets[len(buckets)-1].BucketStart < oldestAllowed {
		buckets = buckets[:len(buckets)-1]
	}

	// History past primary retention lives only in the archive.
	if len(buckets) <= q.Limit && s.archive != nil {
		buckets = s.extendFromArchive(ctx, q, buckets, oldestAllowed)
	}

	hasMore := len(buckets) > q.Limit
	if hasMore {
		buckets = buckets[:q.Limit]
	}

	page := &Page{Buckets: buckets, HasMore: hasMore}
	if len(buckets) > 0 {
		page.NextCursor = buckets[len(buckets)-1].BucketStart
	}

	s.fillCache(buckets)
	s.enqueuePreload(q, buckets)
	return page, nil
}

func (s *Service) extendFromArchive(ctx context.Context, q Query, buckets []*domain.Bucket, oldestAllowed int64) []*domain.Bucket {
	retentionCutoff := q.Resolution.Align(s.clock().Add(-q.Resolution.Retention()).Unix())
	if oldestAllowed >= retentionCutoff {
		return buckets // look-back never reaches archived history
	}

	before := q.Cursor
	if len(buckets) > 0 {
		before = buckets[len(buckets)-1].BucketStart
	}
	if before <= 0 {
		before = q.Resolution.Align(s.clock().Unix()) + q.Resolution.DurationSeconds()
	}
	if before <= oldestAllowed {
		return buckets
	}

	archived, err := s.archive.GetRange(ctx, q.Ticker, q.Resolution, oldestAllowed, before-1)
	if err != nil {
		s.logger.Printf("archive read %s/%s failed: %v", q.Ticker, q.Resolution, err)
		return buckets
	}
	// Archive rows come back ascending; the page is newest-first.
	for i := len(archived) - 1; i >= 0; i-- {
		// Rows not yet expired from the primary store would duplicate.
		if archived[i].BucketStart >= before {
			continue
		}
		buckets = append(buckets, archived[i])
		if len(buckets) > q.Limit+1 {
			break
		}
	}
	return buckets
}

// Range retrieves [from, to] inclusive, ascending. Serves entirely from
// cache when every bucket in the window is present.
func (s *Service) Range(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error) {
	if ticker == "" || !res.IsValid() || to < from {
		return nil, storage.ErrInvalidInput
	}

	now := s.clock()
	if oldest := res.Align(now.Add(-res.MaxLookback()).Unix()); from < oldest {
		from = oldest
	}
	from, to = res.Align(from), res.Align(to)
	if to < from {
		return nil, nil
	}

	if cached, ok := s.rangeFromCache(ticker, res, from, to); ok {
		return cached, nil
	}

	buckets, err := s.getRange(ctx, ticker, res, from, to)
	if err != nil {
		return nil, err
	}

	// Pull the pre-retention part of the window from the archive.
	if s.archive != nil {
		retentionCutoff := res.Align(now.Add(-res.Retention()).Unix())
		if from < retentionCutoff {
			archiveTo := retentionCutoff - 1
			if to < archiveTo {
				archiveTo = to
			}
			archived, err := s.archive.GetRange(ctx, ticker, res, from, archiveTo)
			if err != nil {
				s.logger.Printf("archive read %s/%s failed: %v", ticker, res, err)
			} else {
				buckets = mergeAscending(archived, buckets)
			}
		}
	}

	s.fillCache(buckets)
	return buckets, nil
}

// Warm is the preload pool's fetch function: a read through the normal
// range path so the window lands in cache. Task windows are
// end-exclusive.
func (s *Service) Warm(ctx context.Context, task preload.Task) error {
	to := task.To - task.Resolution.DurationSeconds()
	if to < task.From {
		return nil
	}
	_, err := s.Range(ctx, task.Ticker, task.Resolution, task.From, to)
	return err
}

// rangeFromCache returns the window only when every bucket slot that
// exists is cached. A single miss falls through to the store, since the
// cache cannot distinguish "absent bucket" from "not cached".
func (s *Service) rangeFromCache(ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, bool) {
	if s.cache == nil {
		return nil, false
	}
	d := res.DurationSeconds()
	var out []*domain.Bucket
	for start := from; start <= to; start += d {
		b := s.cache.Get(ticker, res, start)
		if b == nil {
			return nil, false
		}
		out = append(out, b)
	}
	return out, true
}

func (s *Service) fillCache(buckets []*domain.Bucket) {
	if s.cache == nil {
		return
	}
	for _, b := range buckets {
		s.cache.Put(b.Ticker, b.Resolution, b)
	}
}

func (s *Service) enqueuePreload(q Query, buckets []*domain.Bucket) {
	if s.preloader == nil || len(buckets) == 0 {
		return
	}
	newest := buckets[0].BucketStart + q.Resolution.DurationSeconds()
	oldest := buckets[len(buckets)-1].BucketStart
	s.preloader.Enqueue(preload.Plan(q.Ticker, q.Resolution, oldest, newest))
}

func (s *Service) getLatest(ctx context.Context, ticker string, res domain.Resolution, before int64, limit int) ([]*domain.Bucket, error) {
	started := time.Now()
	buckets, err := s.store.GetLatest(ctx, ticker, res, before, limit)
	s.observeStoreOp("get_latest", started, err)
	return buckets, err
}

func (s *Service) getRange(ctx context.Context, ticker string, res domain.Resolution, from, to int64) ([]*domain.Bucket, error) {
	started := time.Now()
	buckets, err := s.store.GetRange(ctx, ticker, res, from, to)
	s.observeStoreOp("get_range", started, err)
	return buckets, err
}

func (s *Service) observeStoreOp(op string, started time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		s.metrics.StoreOpErrors.WithLabelValues(op).Inc()
	}
}

// mergeAscending combines two ascending runs, preferring b's copy of a
// bucket present in both.
func mergeAscending(a, b []*domain.Bucket) []*domain.Bucket {
	out := make([]*domain.Bucket, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].BucketStart < b[j].BucketStart:
			out = append(out, a[i])
			i++
		case a[i].BucketStart > b[j].BucketStart:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
