package cache

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
)

const (
	// DefaultShards spreads lock contention across independent LRU lists.
	DefaultShards = 16

	// DefaultCapacity is the total entry budget across all shards.
	DefaultCapacity = 16384
)

type entry struct {
	key       string
	bucket    *domain.Bucket
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

// ResolutionCache is a sharded LRU cache over bucket rows. Each entry
// carries a TTL derived from its resolution, so coarse buckets outlive
// fine ones. Live notifications overwrite cached entries in place,
// which keeps readers coherent with the write path without waiting for
// expiry.
type ResolutionCache struct {
	shards   []*shard
	perShard int
	metrics  *observability.Metrics
	clock    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

func New(capacity int, metrics *observability.Metrics) *ResolutionCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	perShard := capacity / DefaultShards
	if perShard < 1 {
		perShard = 1
	}
	c := &ResolutionCache{
		shards:   make([]*shard, DefaultShards),
		perShard: perShard,
		metrics:  metrics,
		clock:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return c
}

func cacheKey(ticker string, res domain.Resolution, bucketStart int64) string {
	return fmt.Sprintf("%s#%s|%d", ticker, res, bucketStart)
}

func (c *ResolutionCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns a copy of the cached bucket, or nil when absent or
// expired. Expired entries are removed on read.
func (c *ResolutionCache) Get(ticker string, res domain.Resolution, bucketStart int64) *domain.Bucket {
	key := cacheKey(ticker, res, bucketStart)
	s := c.shardFor(key)

	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.miss()
		return nil
	}
	e := el.Value.(*entry)
	if c.clock().After(e.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		s.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
		c.miss()
		return nil
	}
	s.order.MoveToFront(el)
	b := e.bucket.Clone()
	s.mu.Unlock()

	c.hit()
	return b
}

// Put stores a copy of the bucket with a TTL taken from the resolution.
func (c *ResolutionCache) Put(ticker string, res domain.Resolution, bucket *domain.Bucket) {
	if bucket == nil {
		return
	}
	key := cacheKey(ticker, res, bucket.BucketStart)
	s := c.shardFor(key)
	expiresAt := c.clock().Add(res.CacheTTL())

	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.bucket = bucket.Clone()
		e.expiresAt = expiresAt
		s.order.MoveToFront(el)
		s.mu.Unlock()
		return
	}
	el := s.order.PushFront(&entry{key: key, bucket: bucket.Clone(), expiresAt: expiresAt})
	s.entries[key] = el
	evicted := 0
	for s.order.Len() > c.perShard {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*entry).key)
		evicted++
	}
	s.mu.Unlock()

	if c.metrics != nil {
		if evicted > 0 {
			c.metrics.CacheEvictions.Add(float64(evicted))
		}
		c.metrics.CacheEntries.Set(float64(c.Len()))
	}
}

// Apply overwrites the cached entry for a freshly written bucket. A
// notification for a bucket we never cached is ignored: the next read
// will fetch it from the store.
func (c *ResolutionCache) Apply(n domain.Notification) {
	if n.Bucket == nil {
		return
	}
	key := cacheKey(n.Ticker, n.Resolution, n.BucketStart)
	s := c.shardFor(key)

	s.mu.Lock()
	el, ok := s.entries[key]
	if ok {
		e := el.Value.(*entry)
		e.bucket = n.Bucket.Clone()
		e.expiresAt = c.clock().Add(n.Resolution.CacheTTL())
		s.order.MoveToFront(el)
	}
	s.mu.Unlock()
}

// Run consumes bus notifications until the channel closes or the
// context ends. Meant to run on its own goroutine.
func (c *ResolutionCache) Run(ctx context.Context, notifications <-chan domain.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			c.Apply(n)
		}
	}
}

func (c *ResolutionCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}

func (c *ResolutionCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *ResolutionCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

// HitRate reports the fraction of lookups served from cache since start.
func (c *ResolutionCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
