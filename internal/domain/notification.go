package domain

// Notification announces one successful bucket write. FanoutWriter
// publishes one per updated (ticker, resolution, bucket) target; the
// read cache and the subscription broker consume them independently.
type Notification struct {
	Ticker      string     `json:"ticker"`
	Resolution  Resolution `json:"resolution"`
	BucketStart int64      `json:"bucket_start"`
	Partial     bool       `json:"is_partial"`

	// Bucket carries the full updated record so consumers can apply the
	// change without a round trip to the store.
	Bucket *Bucket `json:"bucket"`
}
