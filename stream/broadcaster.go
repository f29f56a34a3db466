package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the bounded queue size per observer.
const DefaultSubscriberBuffer = 64

// Broadcaster maintains the registry of live observer subscriptions and
// fans events out to them. Publish never waits on any observer.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	logger *zap.SugaredLogger
}

// NewBroadcaster creates a broadcaster with the given per-observer queue
// size. A non-positive size falls back to DefaultSubscriberBuffer.
func NewBroadcaster(buffer int, logger *zap.SugaredLogger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new observer. Events published after this call
// that match the filter are delivered on the subscription's channel, in
// per-execution emission order. Returns nil after Shutdown.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := newSubscription(uuid.NewString(), filter, b.buffer, b.remove)
	b.subs[sub.id] = sub
	b.logger.Debugw("Observer subscribed",
		"subscription_id", sub.id,
		"execution_filter", filter.ExecutionID,
		"workflow_filter", filter.WorkflowID,
		"observers", len(b.subs),
	)
	return sub
}

// Publish delivers an event to all matching observers and returns without
// waiting for any of them to consume it. A zero timestamp is stamped here.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter.Matches(event) {
			sub.enqueue(event)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes every subscription. Further Subscribe calls return nil.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// remove detaches a subscription from the registry. Called by
// Subscription.Close.
func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	remaining := len(b.subs)
	b.mu.Unlock()
	b.logger.Debugw("Observer unsubscribed", "subscription_id", id, "observers", remaining)
}
