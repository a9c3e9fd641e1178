package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Bus carries domain events from the auction core to subscribers.
// Delivery is best-effort: a subscriber that cannot keep up loses events
// rather than blocking publishers. Events published from one serialized
// commit are delivered to each subscriber in publish order.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe returns a channel of events and a cancel function that
	// releases the subscription.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// subscriberBuffer is the per-subscriber channel depth. A full buffer means
// the subscriber is too slow; further events for it are dropped.
const subscriberBuffer = 256

// MemoryBus is an in-process Bus for single-node deployments and tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every current subscriber without blocking.
func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
	return nil
}

// Subscribe registers a new subscriber.
func (b *MemoryBus) Subscribe(_ context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}
