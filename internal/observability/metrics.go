// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion / fan-out metrics
	EventsReceived    prometheus.Counter
	EventsRejected    prometheus.Counter
	BucketWrites      *prometheus.CounterVec
	BucketWriteErrors *prometheus.CounterVec
	DuplicateEvents   prometheus.Counter
	FanoutLatency     prometheus.Histogram

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntries   prometheus.Gauge

	// Preload metrics
	PreloadTasksPlanned prometheus.Counter
	PreloadTasksDropped prometheus.Counter
	PreloadWarms        prometheus.Counter

	// Streaming metrics
	ActiveSubscribers  prometheus.Gauge
	EventsDelivered    *prometheus.CounterVec
	EventsDebounced    prometheus.Counter
	SlowConsumerDrops  prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	ReplayedEvents     prometheus.Counter

	// Store metrics
	StoreOpDuration *prometheus.HistogramVec
	StoreOpErrors   *prometheus.CounterVec

	// Sweeper metrics
	BucketsClosed   prometheus.Counter
	BucketsArchived prometheus.Counter
	BucketsExpired  prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sentiflow"
	}

	return &Metrics{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_received_total",
			Help:      "Total number of scored events received",
		}),
		EventsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_rejected_total",
			Help:      "Total number of malformed events rejected at validation",
		}),
		BucketWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "bucket_writes_total",
			Help:      "Total number of successful bucket writes by resolution",
		}, []string{"resolution"}),
		BucketWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "bucket_write_errors_total",
			Help:      "Total number of failed bucket writes by resolution",
		}, []string{"resolution"}),
		DuplicateEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "duplicate_events_total",
			Help:      "Total number of redelivered events deduplicated by the write path",
		}),
		FanoutLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "write_duration_seconds",
			Help:      "End-to-end latency of one event's eight-way fan-out",
			Buckets:   prometheus.DefBuckets,
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of resolution cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of resolution cache misses",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of cache entries evicted (LRU or invalidation)",
		}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		}),

		PreloadTasksPlanned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "tasks_planned_total",
			Help:      "Total number of preload tasks planned",
		}),
		PreloadTasksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "tasks_dropped_total",
			Help:      "Total number of preload tasks dropped due to a full queue",
		}),
		PreloadWarms: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "warms_total",
			Help:      "Total number of preload reads issued through the cache",
		}),

		ActiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_subscribers",
			Help:      "Current number of live subscriber connections",
		}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_delivered_total",
			Help:      "Total number of events delivered to subscribers by kind",
		}, []string{"kind"}),
		EventsDebounced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_debounced_total",
			Help:      "Total number of partial bucket events coalesced by debouncing",
		}),
		SlowConsumerDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "slow_consumer_drops_total",
			Help:      "Total number of connections dropped for unbounded outbound queues",
		}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeat events sent",
		}),
		ReplayedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "replayed_events_total",
			Help:      "Total number of events replayed to reconnecting subscribers",
		}),

		StoreOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "Duration of bucket store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StoreOpErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "op_errors_total",
			Help:      "Total number of bucket store operation errors",
		}, []string{"op"}),

		BucketsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "buckets_closed_total",
			Help:      "Total number of buckets transitioned partial to closed",
		}),
		BucketsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "buckets_archived_total",
			Help:      "Total number of closed buckets archived",
		}),
		BucketsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "buckets_expired_total",
			Help:      "Total number of buckets removed by TTL expiry",
		}),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
