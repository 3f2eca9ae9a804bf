package fanout

import (
	"sync"

	"sentiflow/internal/domain"
)

// Bus is a one-directional notification fan-out: the writer publishes,
// the read cache and the subscription broker subscribe independently.
// Neither consumer ever calls back into the writer or each other.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan domain.Notification
	closed bool

	// bufSize is the per-subscriber channel depth.
	bufSize int
}

// NewBus creates a notification bus with the given per-subscriber buffer.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a consumer and returns its channel. Consumers are
// loss-tolerant: when a consumer falls behind, its oldest pending
// notification is dropped to make room. The cache heals through TTL and
// streaming clients through the next partial event, so dropping beats
// blocking the write path.
func (b *Bus) Subscribe() <-chan domain.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Notification, b.bufSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers a notification to every subscriber without blocking.
// After Close it is a no-op, so a writer finishing mid-shutdown cannot
// hit a closed channel.
func (b *Bus) Publish(n domain.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// Full: drop the oldest, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
}

// Close closes all subscriber channels. Safe to call once publishers
// have quiesced or not; late Publish calls become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
