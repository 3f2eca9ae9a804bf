package cache

import (
	"testing"
	"time"

	"sentiflow/internal/domain"
)

func testBucket(start int64, count int) *domain.Bucket {
	return &domain.Bucket{
		Ticker:      "AAPL",
		Resolution:  domain.Resolution5m,
		BucketStart: start,
		Open:        0.5,
		High:        0.5,
		Low:         0.5,
		Close:       0.5,
		Count:       count,
		Sum:         0.5 * float64(count),
		IsPartial:   true,
	}
}

func TestCache_PutGet(t *testing.T) {
	c := New(64, nil)
	c.Put("AAPL", domain.Resolution5m, testBucket(600, 1))

	got := c.Get("AAPL", domain.Resolution5m, 600)
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if got.Count != 1 {
		t.Errorf("Count = %d, want 1", got.Count)
	}
	if c.Get("AAPL", domain.Resolution5m, 900) != nil {
		t.Error("unexpected hit for absent bucket")
	}
	if c.Get("AAPL", domain.Resolution1m, 600) != nil {
		t.Error("resolutions must not share entries")
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := New(64, nil)
	c.Put("AAPL", domain.Resolution5m, testBucket(600, 1))

	first := c.Get("AAPL", domain.Resolution5m, 600)
	first.Count = 99

	second := c.Get("AAPL", domain.Resolution5m, 600)
	if second.Count != 1 {
		t.Error("mutating a returned bucket leaked into the cache")
	}
}

func TestCache_TTLPerResolution(t *testing.T) {
	c := New(64, nil)
	now := time.Unix(1000, 0)
	c.clock = func() time.Time { return now }

	fine := testBucket(600, 1)
	coarse := testBucket(0, 1)
	coarse.Resolution = domain.Resolution24h
	c.Put("AAPL", domain.Resolution1m, fine)
	c.Put("AAPL", domain.Resolution24h, coarse)

	// Past the 1m TTL but well inside the 24h one.
	now = now.Add(domain.Resolution1m.CacheTTL() + time.Second)
	if c.Get("AAPL", domain.Resolution1m, 600) != nil {
		t.Error("1m entry should have expired")
	}
	if c.Get("AAPL", domain.Resolution24h, 0) == nil {
		t.Error("24h entry expired too early")
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(DefaultShards, nil) // one entry per shard
	a := testBucket(600, 1)
	b := testBucket(600, 2)
	b.Ticker = "MSFT"

	// Force both keys into the same shard so the second insert evicts.
	s := c.shardFor(cacheKey("AAPL", domain.Resolution5m, 600))
	c.Put("AAPL", domain.Resolution5m, a)
	evictor := ""
	for _, ticker := range []string{"MSFT", "GOOG", "NVDA", "TSLA", "AMZN", "META", "NFLX", "INTC"} {
		if c.shardFor(cacheKey(ticker, domain.Resolution5m, 600)) == s {
			evictor = ticker
			break
		}
	}
	if evictor == "" {
		t.Skip("no colliding ticker in the probe set")
	}
	b.Ticker = evictor
	c.Put(evictor, domain.Resolution5m, b)

	if c.Get("AAPL", domain.Resolution5m, 600) != nil {
		t.Error("oldest entry should have been evicted")
	}
	if c.Get(evictor, domain.Resolution5m, 600) == nil {
		t.Error("newest entry should survive")
	}
}

func TestCache_ApplyUpdatesExistingEntry(t *testing.T) {
	c := New(64, nil)
	c.Put("AAPL", domain.Resolution5m, testBucket(600, 1))

	updated := testBucket(600, 2)
	c.Apply(domain.Notification{
		Ticker:      "AAPL",
		Resolution:  domain.Resolution5m,
		BucketStart: 600,
		Partial:     true,
		Bucket:      updated,
	})

	got := c.Get("AAPL", domain.Resolution5m, 600)
	if got == nil || got.Count != 2 {
		t.Fatalf("notification did not refresh the entry: %+v", got)
	}
}

func TestCache_ApplyIgnoresUncachedBucket(t *testing.T) {
	c := New(64, nil)
	c.Apply(domain.Notification{
		Ticker:      "AAPL",
		Resolution:  domain.Resolution5m,
		BucketStart: 600,
		Bucket:      testBucket(600, 3),
	})
	// Never cached, so the notification must not insert it.
	if c.Len() != 0 {
		t.Error("Apply inserted an entry for an uncached bucket")
	}
}

func TestCache_HitRate(t *testing.T) {
	c := New(64, nil)
	c.Put("AAPL", domain.Resolution5m, testBucket(600, 1))

	c.Get("AAPL", domain.Resolution5m, 600) // hit
	c.Get("AAPL", domain.Resolution5m, 600) // hit
	c.Get("AAPL", domain.Resolution5m, 900) // miss

	if rate := c.HitRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("HitRate = %v, want 2/3", rate)
	}
}
