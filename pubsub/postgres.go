package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a broker that uses PostgreSQL's LISTEN/NOTIFY for pub/sub.
// It's suitable for multi-process applications where events need to be
// shared across different instances or services connected to the same database.
//
// Unlike InMemory, Postgres can distribute messages across multiple processes,
// but it still provides no durability - messages are lost if no subscribers
// are listening.
type Postgres struct {
	pool      *pgxpool.Pool
	mu        sync.RWMutex
	listeners map[string]*topicListener
	closed    bool
}

// topicListener manages all subscriptions for a single topic.
type topicListener struct {
	topic  string
	cancel context.CancelFunc
	mu     sync.RWMutex
	subs   []*pgSubscription
}

// pgSubscription is a single subscriber's handler, queue, and context.
// As with InMemory, a dispatch goroutine per subscription keeps delivery
// in arrival order.
type pgSubscription struct {
	broker  *Postgres
	topic   string
	handler Handler
	queue   chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewPostgres creates a new Postgres broker using the provided connection pool.
// The pool must remain open for the lifetime of the broker.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:      pool,
		listeners: make(map[string]*topicListener),
	}
}

// Publish sends a message to all subscribers of the topic across all processes.
// It uses PostgreSQL's NOTIFY command. The payload is sent as the notification payload.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	// Use NOTIFY with payload
	// Note: PostgreSQL NOTIFY payload is limited to 8000 bytes
	if len(payload) > 8000 {
		return errors.New("pubsub: payload exceeds PostgreSQL NOTIFY limit of 8000 bytes")
	}

	_, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload))
	return err
}

// Subscribe registers a handler for the specified topic and returns its
// subscription handle. It creates a dedicated PostgreSQL connection with
// LISTEN for this topic if one doesn't already exist. Multiple handlers for
// the same topic share a single LISTEN connection.
func (p *Postgres) Subscribe(ctx context.Context, topic string, fn Handler) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	// Create subscription with cancellable context
	subCtx, cancel := context.WithCancel(ctx)
	sub := &pgSubscription{
		broker:  p,
		topic:   topic,
		handler: fn,
		queue:   make(chan []byte, subQueueLen),
		ctx:     subCtx,
		cancel:  cancel,
	}

	// Get or create topic listener
	tl, exists := p.listeners[topic]
	if !exists {
		var err error
		tl, err = p.createTopicListener(ctx, topic)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create listener for topic %q: %w", topic, err)
		}
		p.listeners[topic] = tl
	}

	// Add subscription to topic listener
	tl.mu.Lock()
	tl.subs = append(tl.subs, sub)
	tl.mu.Unlock()

	go sub.dispatch()

	// Watch for context cancellation
	go p.watchSubscription(sub)

	return sub, nil
}

// createTopicListener creates a new listener for a topic with a dedicated connection.
func (p *Postgres) createTopicListener(ctx context.Context, topic string) (*topicListener, error) {
	// Acquire a connection from the pool for listening
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// Create cancellable context for this listener
	listenerCtx, cancel := context.WithCancel(context.Background())

	tl := &topicListener{
		topic:  topic,
		cancel: cancel,
	}

	// Start LISTEN
	_, err = conn.Exec(listenerCtx, "LISTEN "+pgx.Identifier{topic}.Sanitize())
	if err != nil {
		conn.Release()
		cancel()
		return nil, err
	}

	// Start notification loop
	go tl.listen(listenerCtx, conn)

	return tl, nil
}

// listen waits for notifications and queues them for each subscription.
func (tl *topicListener) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer conn.Release()
	defer tl.cancel()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// Context canceled or connection error
			return
		}

		tl.mu.RLock()
		subs := make([]*pgSubscription, len(tl.subs))
		copy(subs, tl.subs)
		tl.mu.RUnlock()

		payload := []byte(notification.Payload)

		for _, sub := range subs {
			// Skip if subscription's context is done
			if sub.ctx.Err() != nil {
				continue
			}

			select {
			case sub.queue <- payload:
			default:
				// Subscriber isn't keeping up; drop instead of blocking.
			}
		}
	}
}

// dispatch drains the subscription queue until the context is canceled.
func (s *pgSubscription) dispatch() {
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
func (s *pgSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.broker.removeSubscription(s)
	})
}

// watchSubscription monitors a subscription's context and removes it when done.
func (p *Postgres) watchSubscription(sub *pgSubscription) {
	<-sub.ctx.Done()
	sub.Unsubscribe()
}

// removeSubscription removes a specific subscription from its topic.
func (p *Postgres) removeSubscription(target *pgSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tl, exists := p.listeners[target.topic]
	if !exists {
		return
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	// Find and remove the subscription
	for i, sub := range tl.subs {
		if sub == target {
			tl.subs = append(tl.subs[:i], tl.subs[i+1:]...)
			break
		}
	}

	// If no more subscriptions, stop the listener and release its connection
	if len(tl.subs) == 0 {
		tl.cancel()
		delete(p.listeners, target.topic)
	}
}

// Close stops all listeners and releases connections.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.closed = true

	// Cancel all listeners and their subscriptions
	for _, tl := range p.listeners {
		tl.cancel()
		tl.mu.Lock()
		for _, sub := range tl.subs {
			sub.cancel()
		}
		tl.mu.Unlock()
	}

	p.listeners = make(map[string]*topicListener)

	return nil
}
