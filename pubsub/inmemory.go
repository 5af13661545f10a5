package pubsub

import (
	"context"
	"sync"
)

// subQueueLen is the per-subscription queue depth. Delivery drops messages
// for a subscriber whose queue is full rather than blocking the publisher.
const subQueueLen = 64

// InMemory is a simple in-memory broker using Go channels.
// It's suitable for single-process applications, testing, and development.
// Messages are not persisted and are lost if no subscribers are active.
type InMemory struct {
	mu       sync.RWMutex
	subs     map[string][]*memSubscription
	closed   bool
	closedCh chan struct{}
}

// memSubscription is a single subscriber's handler, queue, and context.
// A dedicated dispatch goroutine drains the queue so each subscription
// observes messages in arrival order.
type memSubscription struct {
	broker  *InMemory
	topic   string
	handler Handler
	queue   chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewInMemory creates a new in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		subs:     make(map[string][]*memSubscription),
		closedCh: make(chan struct{}),
	}
}

// Publish sends a message to all subscribers of the topic.
// If no subscribers exist, the message is dropped (fire-and-forget).
func (m *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	// Check context first
	if ctx.Err() != nil {
		return ctx.Err()
	}

	subs := m.subs[topic]
	if len(subs) == 0 {
		return nil // No subscribers, fire-and-forget
	}

	// Copy payload so handlers can't mutate it
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	for _, sub := range subs {
		// Skip if subscriber's context is done
		if sub.ctx.Err() != nil {
			continue
		}

		select {
		case sub.queue <- payloadCopy:
		default:
			// Subscriber isn't keeping up; drop instead of blocking.
		}
	}

	return nil
}

// Subscribe registers a handler for the specified topic and returns its
// subscription handle. The subscription remains active until Unsubscribe,
// ctx cancellation, or Close.
func (m *InMemory) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	// Create a cancellable context for this subscription
	subCtx, cancel := context.WithCancel(ctx)

	sub := &memSubscription{
		broker:  m,
		topic:   topic,
		handler: h,
		queue:   make(chan []byte, subQueueLen),
		ctx:     subCtx,
		cancel:  cancel,
	}

	m.subs[topic] = append(m.subs[topic], sub)

	go sub.dispatch()

	// Watch for context cancellation or broker close and clean up
	go m.watchSubscription(sub)

	return sub, nil
}

// dispatch drains the subscription queue, invoking the handler once per
// message, until the subscription context is canceled.
func (s *memSubscription) dispatch() {
	for {
		select {
		case payload := <-s.queue:
			s.handler(payload)
		case <-s.ctx.Done():
			return
		}
	}
}

// Unsubscribe cancels the subscription and removes it from the broker.
// Safe to call more than once.
func (s *memSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.broker.removeSubscription(s)
	})
}

// watchSubscription monitors a subscription's context and removes it when done.
func (m *InMemory) watchSubscription(sub *memSubscription) {
	select {
	case <-sub.ctx.Done():
	case <-m.closedCh:
	}
	sub.Unsubscribe()
}

// removeSubscription removes a specific subscription from its topic.
func (m *InMemory) removeSubscription(target *memSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			m.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	// Clean up empty topic
	if len(m.subs[target.topic]) == 0 {
		delete(m.subs, target.topic)
	}
}

// Close stops all subscriptions and prevents new ones.
func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.closed = true
	close(m.closedCh)

	// Cancel all subscriptions
	for _, subs := range m.subs {
		for _, sub := range subs {
			sub.cancel()
		}
	}

	m.subs = make(map[string][]*memSubscription)

	return nil
}
