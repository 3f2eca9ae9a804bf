package stream

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"sentiflow/internal/domain"
	"sentiflow/internal/observability"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultReplayBufferSize  = 1024
	DefaultSendQueueSize     = 64
)

// CloseReason explains why the broker ended a client.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseSlowConsumer
	CloseShutdown
)

type BrokerConfig struct {
	HeartbeatInterval time.Duration
	DebounceInterval  time.Duration
	ReplayBufferSize  int
	SendQueueSize     int
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		HeartbeatInterval: DefaultHeartbeatInterval,
		DebounceInterval:  DefaultDebounceInterval,
		ReplayBufferSize:  DefaultReplayBufferSize,
		SendQueueSize:     DefaultSendQueueSize,
	}
}

// Client is one subscriber's handle. The transport layer reads frames
// from Events and stops when Done closes.
type Client struct {
	Subscription *domain.Subscription

	send chan Envelope
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	reason     CloseReason
	lastQueued uint64
}

// Events is the client's outbound frame queue.
func (c *Client) Events() <-chan Envelope { return c.send }

// Done closes when the broker has ended this client.
func (c *Client) Done() <-chan struct{} { return c.done }

// Reason reports why the client was closed. Meaningful after Done.
func (c *Client) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue queues one frame unless the client already holds an id at
// least as new; replay and live delivery can race on the same envelope
// and the id guard keeps it from going out twice. full reports a send
// queue with no room left.
func (c *Client) enqueue(env Envelope) (queued, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.ID <= c.lastQueued {
		return false, false
	}
	select {
	case c.send <- env:
		c.lastQueued = env.ID
		return true, false
	default:
		return false, true
	}
}

func (c *Client) close(reason CloseReason) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// ringEntry keeps the filter coordinates next to the frame so a resume
// can re-apply the new subscription's filters to history.
type ringEntry struct {
	envelope   Envelope
	ticker     string
	resolution domain.Resolution
}

// Broker fans bucket notifications out to websocket subscribers. Closed
// buckets go out immediately; partial buckets pass through a per-bucket
// debouncer. Each client has a bounded queue: a client that cannot keep
// up is disconnected rather than allowed to stall the others.
type Broker struct {
	config  BrokerConfig
	metrics *observability.Metrics
	logger  *log.Logger
	clock   func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	nextID  uint64
	maxID   uint64

	ringMu  sync.Mutex
	ring    []ringEntry
	ringPos int

	debouncer *Debouncer
}

func NewBroker(config BrokerConfig, metrics *observability.Metrics, logger *log.Logger) *Broker {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.ReplayBufferSize <= 0 {
		config.ReplayBufferSize = DefaultReplayBufferSize
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultSendQueueSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[stream] ", log.LstdFlags)
	}
	b := &Broker{
		config:  config,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
		clients: make(map[string]*Client),
		ring:    make([]ringEntry, 0, config.ReplayBufferSize),
	}
	b.debouncer = NewDebouncer(config.DebounceInterval, b.deliver, metrics)
	return b
}

// Run consumes bus notifications and emits heartbeats until ctx ends or
// the channel closes. Meant to run on its own goroutine.
func (b *Broker) Run(ctx context.Context, notifications <-chan domain.Notification) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()
	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			b.Dispatch(n)
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

// Dispatch routes one notification: partial buckets are debounced per
// bucket key, closed buckets go out immediately.
func (b *Broker) Dispatch(n domain.Notification) {
	if n.Bucket == nil {
		return
	}
	if n.Partial {
		b.debouncer.Offer(n)
		return
	}
	b.deliver(n)
}

func (b *Broker) deliver(n domain.Notification) {
	now := b.clock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.maxID = id
	b.mu.Unlock()

	env, err := marshalNotification(id, n, now)
	if err != nil {
		b.logger.Printf("drop notification for %s/%s: %v", n.Ticker, n.Resolution, err)
		return
	}
	b.remember(ringEntry{envelope: env, ticker: n.Ticker, resolution: n.Resolution})

	b.mu.RLock()
	var slow []*Client
	for _, c := range b.clients {
		if !c.Subscription.Matches(&n) {
			continue
		}
		queued, full := c.enqueue(env)
		if full {
			slow = append(slow, c)
			continue
		}
		if queued && b.metrics != nil {
			b.metrics.EventsDelivered.WithLabelValues(env.Event).Inc()
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Printf("disconnecting slow consumer %s", c.Subscription.ConnectionID)
		if b.metrics != nil {
			b.metrics.SlowConsumerDrops.Inc()
		}
		b.remove(c.Subscription.ConnectionID, CloseSlowConsumer)
	}
}

func (b *Broker) heartbeat() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	maxID := b.maxID
	b.mu.Unlock()

	env := marshalHeartbeat(id, b.clock(), maxID)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		// A client too slow for a heartbeat will be caught by the next
		// data frame; skipping on a full queue keeps heartbeats cheap.
		if queued, _ := c.enqueue(env); queued && b.metrics != nil {
			b.metrics.HeartbeatsSent.Inc()
		}
	}
}

func (b *Broker) remember(e ringEntry) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if len(b.ring) < b.config.ReplayBufferSize {
		b.ring = append(b.ring, e)
		return
	}
	b.ring[b.ringPos] = e
	b.ringPos = (b.ringPos + 1) % b.config.ReplayBufferSize
}

// replayAfter returns buffered envelopes with id > lastID, oldest first.
func (b *Broker) replayAfter(lastID uint64, sub *domain.Subscription) []Envelope {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	var out []Envelope
	scan := func(e ringEntry) {
		if e.envelope.ID <= lastID {
			return
		}
		n := domain.Notification{Ticker: e.ticker, Resolution: e.resolution}
		if !sub.Matches(&n) {
			return
		}
		out = append(out, e.envelope)
	}
	for i := b.ringPos; i < len(b.ring); i++ {
		scan(b.ring[i])
	}
	for i := 0; i < b.ringPos; i++ {
		scan(b.ring[i])
	}
	return out
}

// Subscribe registers a client. When the subscription presents a
// last_event_id, matching buffered envelopes newer than it are queued
// first; history older than the ring is gone and the client continues
// live-only.
func (b *Broker) Subscribe(sub *domain.Subscription) *Client {
	c := &Client{
		Subscription: sub,
		send:         make(chan Envelope, b.config.SendQueueSize),
		done:         make(chan struct{}),
	}

	// Replay and registration share one critical section: a frame being
	// delivered concurrently is either already in the ring snapshot or
	// blocked on the lock and delivered live once we release it. The id
	// guard in enqueue suppresses the frame that lands in both.
	b.mu.Lock()
	if sub.LastEventID > 0 {
		for _, env := range b.replayAfter(sub.LastEventID, sub) {
			// A replay larger than the queue delivers what fits; the
			// client's own resume logic handles the rest.
			if queued, _ := c.enqueue(env); queued && b.metrics != nil {
				b.metrics.ReplayedEvents.Inc()
			}
		}
	}
	b.clients[sub.ConnectionID] = c
	total := len(b.clients)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ActiveSubscribers.Set(float64(total))
	}
	return c
}

// Unsubscribe removes a client after a normal disconnect.
func (b *Broker) Unsubscribe(connID string) {
	b.remove(connID, CloseNormal)
}

func (b *Broker) remove(connID string, reason CloseReason) {
	b.mu.Lock()
	c, ok := b.clients[connID]
	if ok {
		delete(b.clients, connID)
	}
	total := len(b.clients)
	b.mu.Unlock()

	if !ok {
		return
	}
	c.close(reason)
	if b.metrics != nil {
		b.metrics.ActiveSubscribers.Set(float64(total))
	}
}

func (b *Broker) shutdown() {
	b.debouncer.Close()

	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.close(CloseShutdown)
	}
	if b.metrics != nil {
		b.metrics.ActiveSubscribers.Set(0)
	}
}

// MaxEventID is the id of the newest data frame emitted so far.
func (b *Broker) MaxEventID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxID
}
