package stream

import (
	"encoding/json"
	"time"

	"sentiflow/internal/domain"
)

// Wire event kinds. Every frame a client receives is an Envelope whose
// Event names one of these.
const (
	EventHeartbeat     = "heartbeat"
	EventBucketUpdate  = "bucket_update"
	EventPartialBucket = "partial_bucket"
)

// Envelope is the wire frame. IDs are broker-wide monotonic, so a
// client can resume from the last id it processed.
type Envelope struct {
	ID    uint64          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HeartbeatPayload keeps idle connections alive and advertises the
// broker's high-water mark so clients can detect missed events.
type HeartbeatPayload struct {
	Time       int64  `json:"time"`
	MaxEventID uint64 `json:"max_event_id"`
}

// PartialBucketPayload is a bucket whose window is still open, with how
// far through the window it is.
type PartialBucketPayload struct {
	*domain.Bucket
	ProgressPct float64 `json:"progress_pct"`
}

func progressPct(b *domain.Bucket, now time.Time) float64 {
	duration := b.Resolution.DurationSeconds()
	if duration <= 0 {
		return 0
	}
	elapsed := now.Unix() - b.BucketStart
	if elapsed < 0 {
		return 0
	}
	pct := float64(elapsed) / float64(duration) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func marshalNotification(id uint64, n domain.Notification, now time.Time) (Envelope, error) {
	var (
		kind    string
		payload any
	)
	if n.Partial {
		kind = EventPartialBucket
		payload = PartialBucketPayload{Bucket: n.Bucket, ProgressPct: progressPct(n.Bucket, now)}
	} else {
		kind = EventBucketUpdate
		payload = n.Bucket
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Event: kind, Data: data}, nil
}

func marshalHeartbeat(id uint64, now time.Time, maxEventID uint64) Envelope {
	data, _ := json.Marshal(HeartbeatPayload{Time: now.Unix(), MaxEventID: maxEventID})
	return Envelope{ID: id, Event: EventHeartbeat, Data: data}
}
