package feed

import (
	"sync"
	"sync/atomic"

	"margind/internal/market"

	"github.com/google/uuid"
)

// Bus fans price events out to subscribers. Every subscriber owns a
// bounded queue; when it fills the oldest event is dropped so a slow
// consumer can never stall the publisher or other subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan market.PriceEvent
	depth   int
	dropped int64
}

func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{
		subs:  make(map[string]chan market.PriceEvent),
		depth: depth,
	}
}

// Subscribe registers a new consumer and returns its id and channel.
// The channel is closed on Unsubscribe or bus Close.
func (b *Bus) Subscribe() (string, <-chan market.PriceEvent) {
	id := uuid.NewString()
	ch := make(chan market.PriceEvent, b.depth)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish never blocks: a full subscriber queue sheds its oldest event
// before the new one is enqueued.
func (b *Bus) Publish(evt market.PriceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
				atomic.AddInt64(&b.dropped, 1)
			default:
			}
			select {
			case ch <- evt:
			default:
				atomic.AddInt64(&b.dropped, 1)
			}
		}
	}
}

// Dropped reports how many events were shed across all subscribers.
func (b *Bus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
