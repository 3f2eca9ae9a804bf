package preload

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
)

const (
	// DefaultWorkers bounds concurrent warm fetches against the store.
	DefaultWorkers = 4

	// DefaultQueueSize is the pending-task budget. Tasks past it are
	// dropped: preloading is advisory and must never apply backpressure
	// to the read path that triggered it.
	DefaultQueueSize = 256

	// dedupCooldown suppresses re-planning the same window while a
	// recent warm for it is still fresh.
	dedupCooldown = 30 * time.Second
)

// Task is one speculative warm: fetch a window into the cache before a
// client asks for it. Lower Priority runs first within a plan.
type Task struct {
	Ticker     string
	Resolution domain.Resolution
	From       int64 // inclusive, aligned
	To         int64 // exclusive, aligned
	Priority   int
}

func (t Task) key() string {
	return fmt.Sprintf("%s#%s|%d|%d", t.Ticker, t.Resolution, t.From, t.To)
}

// Plan derives the warm set for a range read: the adjacent windows at
// the same resolution (scroll continuation, priority 0) and the same
// window at the neighboring resolutions (zoom, priority 1).
func Plan(ticker string, res domain.Resolution, from, to int64) []Task {
	if to <= from {
		return nil
	}
	width := to - from
	tasks := []Task{
		{Ticker: ticker, Resolution: res, From: from - width, To: from, Priority: 0},
		{Ticker: ticker, Resolution: res, From: to, To: to + width, Priority: 0},
	}
	if finer, ok := res.Finer(); ok {
		tasks = append(tasks, Task{Ticker: ticker, Resolution: finer, From: finer.Align(from), To: finer.Align(to), Priority: 1})
	}
	if coarser, ok := res.Coarser(); ok {
		// Round the end up so a range narrower than one coarse bucket
		// still covers the bucket containing it.
		end := coarser.Align(to-1) + coarser.DurationSeconds()
		tasks = append(tasks, Task{Ticker: ticker, Resolution: coarser, From: coarser.Align(from), To: end, Priority: 1})
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.From < 0 {
			t.From = 0
		}
		if t.To > t.From {
			out = append(out, t)
		}
	}
	return out
}

// WarmFunc fetches one window through the read path so it lands in the
// cache. Errors are logged and counted, never surfaced to clients.
type WarmFunc func(ctx context.Context, task Task) error

// Manager runs warm tasks on a bounded worker pool. Submissions never
// block: when the queue is full the task is dropped and counted.
type Manager struct {
	warm    WarmFunc
	queue   chan Task
	workers int
	metrics *observability.Metrics
	logger  *log.Logger

	mu     sync.Mutex
	recent map[string]time.Time
	clock  func() time.Time

	wg sync.WaitGroup
}

func NewManager(warm WarmFunc, workers, queueSize int, metrics *observability.Metrics, logger *log.Logger) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[preload] ", log.LstdFlags)
	}
	return &Manager{
		warm:    warm,
		queue:   make(chan Task, queueSize),
		workers: workers,
		metrics: metrics,
		logger:  logger,
		recent:  make(map[string]time.Time),
		clock:   time.Now,
	}
}

// Start launches the worker pool. Workers exit when ctx ends.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Enqueue submits a plan. Duplicate windows within the cooldown and
// tasks past the queue budget are dropped.
func (m *Manager) Enqueue(tasks []Task) {
	for _, t := range tasks {
		if m.seenRecently(t) {
			continue
		}
		if m.metrics != nil {
			m.metrics.PreloadTasksPlanned.Inc()
		}
		select {
		case m.queue <- t:
		default:
			if m.metrics != nil {
				m.metrics.PreloadTasksDropped.Inc()
			}
		}
	}
}

func (m *Manager) seenRecently(t Task) bool {
	now := m.clock()
	key := t.key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.recent[key]; ok && now.Sub(last) < dedupCooldown {
		return true
	}
	m.recent[key] = now
	// Opportunistic cleanup keeps the map proportional to active windows.
	if len(m.recent) > 4096 {
		for k, when := range m.recent {
			if now.Sub(when) >= dedupCooldown {
				delete(m.recent, k)
			}
		}
	}
	return false
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.queue:
			if err := m.warm(ctx, t); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Printf("warm %s %s [%d,%d) failed: %v", t.Ticker, t.Resolution, t.From, t.To, err)
				continue
			}
			if m.metrics != nil {
				m.metrics.PreloadWarms.Inc()
			}
		}
	}
}
