// Package aggregate implements the pure bucket fold. It has no I/O and
// never mutates its inputs, so callers can run it inside a conditional
// store update and retry on conflict.
package aggregate

import (
	"sentiflow/internal/domain"
)

// DefaultDedupWindow is the default number of contributing event ids
// retained per bucket for at-least-once deduplication. Tunable; not
// load-bearing for correctness.
const DefaultDedupWindow = 64

// Apply folds one event into a bucket and returns the updated copy.
// A nil existing bucket yields a fresh bucket seeded from the event.
//
// The second return is false when the event id is already inside the
// bucket's dedup window; the returned bucket is then the unchanged input
// and the caller should skip the write.
//
// High/Low/Count/Sum/LabelCounts/Sources are commutative across events,
// so concurrent writers converge regardless of arrival order. Close is
// last-applied-wins: arrival order, not event time.
func Apply(existing *domain.Bucket, ev domain.Event, res domain.Resolution, dedupWindow int) (*domain.Bucket, bool) {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}

	if existing == nil {
		start := res.Align(ev.Time)
		b := &domain.Bucket{
			Ticker:      ev.Ticker,
			Resolution:  res,
			BucketStart: start,
			Open:        ev.Score,
			High:        ev.Score,
			Low:         ev.Score,
			Close:       ev.Score,
			Count:       1,
			Sum:         ev.Score,
			LabelCounts: map[domain.Label]int{ev.Label: 1},
			Sources:     map[string]bool{ev.Source: true},

			RecentEventIDs: []string{ev.ID},
			LastUpdated:    ev.Time,
			ExpiresAt:      start + int64(res.Retention().Seconds()),
			IsPartial:      true,
		}
		return b, true
	}

	if existing.SeenEvent(ev.ID) {
		return existing, false
	}

	b := existing.Clone()
	if ev.Score > b.High {
		b.High = ev.Score
	}
	if ev.Score < b.Low {
		b.Low = ev.Score
	}
	b.Close = ev.Score
	b.Count++
	b.Sum += ev.Score
	b.LabelCounts[ev.Label]++
	b.Sources[ev.Source] = true
	if ev.Time > b.LastUpdated {
		b.LastUpdated = ev.Time
	}

	b.RecentEventIDs = append(b.RecentEventIDs, ev.ID)
	if len(b.RecentEventIDs) > dedupWindow {
		b.RecentEventIDs = b.RecentEventIDs[len(b.RecentEventIDs)-dedupWindow:]
	}

	return b, true
}
