package bus

import (
	"context"
	"sync"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// MemoryBus is the in-process event bus. Delivery is synchronous on the
// publisher's goroutine, which preserves per-delegation ordering.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription // by delegation id
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

type memorySubscription struct {
	bus          *MemoryBus
	delegationID string
	handler      Handler
}

// Publish delivers the event to every current subscriber of the delegation.
func (b *MemoryBus) Publish(ctx context.Context, delegationID string, event *protocol.TaskEvent) error {
	b.mu.RLock()
	subs := make([]*memorySubscription, len(b.subs[delegationID]))
	copy(subs, b.subs[delegationID])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
	return nil
}

// Subscribe registers a handler for a delegation's events.
func (b *MemoryBus) Subscribe(delegationID string, handler Handler) (Subscription, error) {
	sub := &memorySubscription{bus: b, delegationID: delegationID, handler: handler}
	b.mu.Lock()
	b.subs[delegationID] = append(b.subs[delegationID], sub)
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription; further events are not delivered.
func (s *memorySubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.delegationID]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.delegationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.delegationID]) == 0 {
		delete(b.subs, s.delegationID)
	}
	return nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*memorySubscription)
	b.closed = true
}

var _ EventBus = (*MemoryBus)(nil)
