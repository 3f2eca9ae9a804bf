package stream

import (
	"fmt"
	"sync"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
)

// DefaultDebounceInterval coalesces partial-bucket bursts. Closed
// buckets are never debounced.
const DefaultDebounceInterval = 100 * time.Millisecond

// Debouncer holds at most one pending notification per bucket key.
// Within the interval a newer notification for the same bucket replaces
// the pending one, so only the latest state of a hot bucket reaches
// subscribers.
type Debouncer struct {
	interval time.Duration
	flush    func(domain.Notification)
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[string]domain.Notification
	closed  bool
}

func NewDebouncer(interval time.Duration, flush func(domain.Notification), metrics *observability.Metrics) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &Debouncer{
		interval: interval,
		flush:    flush,
		metrics:  metrics,
		pending:  make(map[string]domain.Notification),
	}
}

func bucketKey(n domain.Notification) string {
	return fmt.Sprintf("%s#%s|%d", n.Ticker, n.Resolution, n.BucketStart)
}

// Offer schedules the notification for delivery after the interval. A
// notification already pending for the same bucket is superseded.
func (d *Debouncer) Offer(n domain.Notification) {
	key := bucketKey(n)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, waiting := d.pending[key]; waiting {
		d.pending[key] = n
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.EventsDebounced.Inc()
		}
		return
	}
	d.pending[key] = n
	d.mu.Unlock()

	time.AfterFunc(d.interval, func() { d.fire(key) })
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	n, ok := d.pending[key]
	delete(d.pending, key)
	closed := d.closed
	d.mu.Unlock()

	if ok && !closed {
		d.flush(n)
	}
}

// Close drops pending notifications and rejects further offers.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.pending = make(map[string]domain.Notification)
	d.mu.Unlock()
}
