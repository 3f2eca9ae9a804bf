package domain

import "time"

// Bucket is one OHLC-style aggregation record for a ticker at a given
// resolution. Identified by (Ticker, Resolution, BucketStart).
//
// Open/High/Low/Close are sentiment scores in [-1, 1]. Close is the score
// of the most recently applied event, by arrival order; the remaining
// aggregate fields are order-independent, so concurrent writers converge.
type Bucket struct {
	Ticker      string          `json:"ticker"`
	Resolution  Resolution      `json:"resolution"`
	BucketStart int64           `json:"bucket_start"` // Unix seconds, always aligned
	Open        float64         `json:"open"`
	High        float64         `json:"high"`
	Low         float64         `json:"low"`
	Close       float64         `json:"close"`
	Count       int             `json:"count"` // articles aggregated
	Sum         float64         `json:"sum"`   // for mean calculation
	LabelCounts map[Label]int   `json:"label_counts"`
	Sources     map[string]bool `json:"sources"` // set of distinct source identifiers

	// RecentEventIDs is a bounded FIFO window of contributing event ids,
	// persisted with the bucket so redelivered events stay no-ops across
	// CAS retries and restarts.
	RecentEventIDs []string `json:"recent_event_ids"`

	LastUpdated int64 `json:"last_updated"` // Unix seconds of most recent contributing event apply
	ExpiresAt   int64 `json:"expires_at"`   // Unix seconds, resolution-dependent TTL
	IsPartial   bool  `json:"is_partial"`   // true while now < BucketStart + duration

	// Version is the optimistic-concurrency counter used by conditional
	// store updates. Zero for a bucket that has never been persisted.
	Version int64 `json:"-"`
}

// BucketEnd returns the first instant past the bucket's window.
func (b *Bucket) BucketEnd() int64 {
	return b.BucketStart + b.Resolution.DurationSeconds()
}

// Partial reports whether the bucket's window is still open at now.
// The partial→closed transition is driven by wall clock only, never by
// write volume.
func (b *Bucket) Partial(now time.Time) bool {
	return now.Unix() < b.BucketEnd()
}

// Mean returns the average sentiment score, or 0 for an empty bucket.
func (b *Bucket) Mean() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

// SeenEvent reports whether an event id is within the dedup window.
func (b *Bucket) SeenEvent(id string) bool {
	for _, seen := range b.RecentEventIDs {
		if seen == id {
			return true
		}
	}
	return false
}

// SourceList returns the source set as a slice (unordered).
func (b *Bucket) SourceList() []string {
	out := make([]string, 0, len(b.Sources))
	for s := range b.Sources {
		out = append(out, s)
	}
	return out
}

// Clone returns a deep copy of the bucket. Stores hand out clones so
// callers can never mutate shared state.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	c := *b
	c.LabelCounts = make(map[Label]int, len(b.LabelCounts))
	for k, v := range b.LabelCounts {
		c.LabelCounts[k] = v
	}
	c.Sources = make(map[string]bool, len(b.Sources))
	for k, v := range b.Sources {
		c.Sources[k] = v
	}
	c.RecentEventIDs = append([]string(nil), b.RecentEventIDs...)
	return &c
}
