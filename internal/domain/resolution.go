package domain

import "time"

// Resolution represents one of the eight fixed aggregation granularities.
type Resolution string

const (
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution10m Resolution = "10m"
	Resolution1h  Resolution = "1h"
	Resolution3h  Resolution = "3h"
	Resolution6h  Resolution = "6h"
	Resolution12h Resolution = "12h"
	Resolution24h Resolution = "24h"
)

// Resolutions lists all resolutions ordered finest to coarsest.
// Every coarser boundary is also a boundary of every finer resolution.
var Resolutions = []Resolution{
	Resolution1m,
	Resolution5m,
	Resolution10m,
	Resolution1h,
	Resolution3h,
	Resolution6h,
	Resolution12h,
	Resolution24h,
}

// resolutionSpec holds the fixed parameters of one resolution.
type resolutionSpec struct {
	duration    time.Duration // bucket width
	retention   time.Duration // how long buckets live in the primary store
	cacheTTL    time.Duration // read-cache TTL, shorter for hotter resolutions
	maxLookback time.Duration // oldest range servable at this resolution
}

// Look-back exceeds primary retention at every resolution: the tail of
// the servable window comes from the archive after primary TTL expiry.
var resolutionSpecs = map[Resolution]resolutionSpec{
	Resolution1m:  {60 * time.Second, 24 * time.Hour, 5 * time.Second, 2 * 24 * time.Hour},
	Resolution5m:  {5 * time.Minute, 3 * 24 * time.Hour, 10 * time.Second, 7 * 24 * time.Hour},
	Resolution10m: {10 * time.Minute, 7 * 24 * time.Hour, 15 * time.Second, 14 * 24 * time.Hour},
	Resolution1h:  {time.Hour, 30 * 24 * time.Hour, time.Minute, 90 * 24 * time.Hour},
	Resolution3h:  {3 * time.Hour, 90 * 24 * time.Hour, 2 * time.Minute, 180 * 24 * time.Hour},
	Resolution6h:  {6 * time.Hour, 180 * 24 * time.Hour, 5 * time.Minute, 365 * 24 * time.Hour},
	Resolution12h: {12 * time.Hour, 365 * 24 * time.Hour, 5 * time.Minute, 2 * 365 * 24 * time.Hour},
	Resolution24h: {24 * time.Hour, 2 * 365 * 24 * time.Hour, 10 * time.Minute, 5 * 365 * 24 * time.Hour},
}

// String returns the string representation of Resolution.
func (r Resolution) String() string {
	return string(r)
}

// IsValid checks if the resolution is one of the eight fixed values.
func (r Resolution) IsValid() bool {
	_, ok := resolutionSpecs[r]
	return ok
}

// ParseResolution converts a string to a Resolution.
// Returns false if the string is not a known resolution.
func ParseResolution(s string) (Resolution, bool) {
	r := Resolution(s)
	return r, r.IsValid()
}

// Duration returns the bucket width.
func (r Resolution) Duration() time.Duration {
	return resolutionSpecs[r].duration
}

// DurationSeconds returns the bucket width in whole seconds.
func (r Resolution) DurationSeconds() int64 {
	return int64(resolutionSpecs[r].duration / time.Second)
}

// Retention returns how long buckets at this resolution are kept in the
// primary store before TTL expiry.
func (r Resolution) Retention() time.Duration {
	return resolutionSpecs[r].retention
}

// CacheTTL returns the read-cache TTL for this resolution.
func (r Resolution) CacheTTL() time.Duration {
	return resolutionSpecs[r].cacheTTL
}

// MaxLookback returns the oldest time window servable at this resolution.
func (r Resolution) MaxLookback() time.Duration {
	return resolutionSpecs[r].maxLookback
}

// Align floors a Unix-seconds timestamp to this resolution's bucket boundary.
// The Unix epoch is UTC midnight, so 24h alignment lands on UTC midnight
// without calendar arithmetic.
//
// Align is idempotent: Align(Align(t)) == Align(t). Because every duration
// divides every coarser duration, coarser.Align(t) == coarser.Align(finer.Align(t))
// for any finer/coarser pair, which is what makes one alignment pass per
// resolution safe during fan-out.
func (r Resolution) Align(ts int64) int64 {
	d := r.DurationSeconds()
	return ts - ts%d
}

// AlignTime is Align for time.Time values, returned in UTC.
func (r Resolution) AlignTime(t time.Time) time.Time {
	return time.Unix(r.Align(t.Unix()), 0).UTC()
}

// Coarser returns the next coarser resolution, or ("", false) if r is
// already the coarsest.
func (r Resolution) Coarser() (Resolution, bool) {
	for i, res := range Resolutions {
		if res == r && i+1 < len(Resolutions) {
			return Resolutions[i+1], true
		}
	}
	return "", false
}

// Finer returns the next finer resolution, or ("", false) if r is already
// the finest.
func (r Resolution) Finer() (Resolution, bool) {
	for i, res := range Resolutions {
		if res == r && i > 0 {
			return Resolutions[i-1], true
		}
	}
	return "", false
}
