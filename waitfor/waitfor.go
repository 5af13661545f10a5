// Package waitfor blocks until a set of pub/sub topics have each produced at
// least one message, buffering what arrives for inspection.
//
// It's intended for integration tests that need to hold off assertions until
// publishers are demonstrably up: construct a Waiter over the topics you
// expect, call Wait, then inspect the per-topic buffers. Two equivalent forms
// are provided - Open/Close for scoped acquisition and New/Wait/Shutdown for
// manual control. Independent Waiters hold independent subscriptions and can
// run concurrently.
package waitfor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/erlorenz/topicwait/pubsub"
)

// Usage faults and lookup errors.
var (
	// ErrNoTopics is returned by New when no topics were configured.
	ErrNoTopics = errors.New("waitfor: at least one topic is required")

	// ErrDuplicateTopic is returned by New when two TopicSpecs share a name.
	ErrDuplicateTopic = errors.New("waitfor: duplicate topic name")

	// ErrInvalidTimeout is returned by New for a zero or negative timeout.
	ErrInvalidTimeout = errors.New("waitfor: timeout must be positive")

	// ErrInvalidBufferLength is returned by New for a negative buffer length.
	ErrInvalidBufferLength = errors.New("waitfor: buffer length must be at least 1")

	// ErrAlreadyStarted is returned when Start or Wait is called on a Waiter
	// that has already run. It signals a usage fault, not a timeout.
	ErrAlreadyStarted = errors.New("waitfor: already started")

	// ErrShutdown is returned when Start or Wait is called on a Waiter that
	// has been shut down. Shutdown is terminal; create a fresh instance to
	// wait again.
	ErrShutdown = errors.New("waitfor: waiter is shut down")

	// ErrUnknownTopic is returned by ReceivedMessages for a topic name that
	// was never configured.
	ErrUnknownTopic = errors.New("waitfor: unknown topic")
)

// defaultPollInterval is the cadence of the exit-condition check when the
// Config doesn't override it. Shutdown latency is bounded by one interval.
const defaultPollInterval = 50 * time.Millisecond

// TopicSpec names one expected topic. Type is an opaque tag describing the
// message type on the wire; the transport owns deserialization, the tag is
// recorded for logging only.
type TopicSpec struct {
	Name string
	Type string
}

// Callback is invoked once per poll tick while the wait runs. arg is the
// value forwarded from Wait, nil when none was given. The callback runs
// synchronously on the waiting goroutine and may mutate state reachable
// through arg.
type Callback func(w *Waiter, arg any)

// Config configures a Waiter. Topics and Timeout are required; everything
// else has a default.
type Config struct {
	// Topics lists the expected topics, in subscription order. Names must
	// be unique.
	Topics []TopicSpec

	// Timeout bounds the whole wait. Wall clock, measured from the Start
	// call, not from first receipt.
	Timeout time.Duration

	// BufferLength caps each topic's message ring. When a ring is full the
	// oldest message is evicted. Defaults to 1.
	BufferLength int

	// PollInterval is the cadence of the exit-condition check and of the
	// Callback. Defaults to 50ms.
	PollInterval time.Duration

	// Callback, when set, runs once per poll tick.
	Callback Callback

	// Logger defaults to a disabled logger.
	Logger zerolog.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarted
	phaseDone // satisfied or timed out, not yet shut down
	phaseShutdown
)

// topicState tracks one expected topic across the wait.
type topicState struct {
	spec     TopicSpec
	received bool
	buffer   *Ring
	sub      pubsub.Subscription
}

// Waiter subscribes to a set of topics and blocks until every one of them
// has produced at least one message, or a timeout elapses. Each topic's
// messages are kept in a bounded ring for inspection after the wait.
//
// A Waiter runs once: Idle -> Started -> (satisfied | timed out) ->
// Shutdown. Create a fresh instance to wait again.
type Waiter struct {
	transport pubsub.Subscriber
	cfg       Config
	log       zerolog.Logger

	mu     sync.Mutex
	phase  phase
	state  map[string]*topicState
	cancel context.CancelFunc
}

// New validates the config and allocates a Waiter. No subscription happens
// until Start.
func New(transport pubsub.Subscriber, cfg Config) (*Waiter, error) {
	if transport == nil {
		return nil, errors.New("waitfor: transport is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, ErrNoTopics
	}
	if cfg.Timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if cfg.BufferLength < 0 {
		return nil, ErrInvalidBufferLength
	}
	if cfg.BufferLength == 0 {
		cfg.BufferLength = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	state := make(map[string]*topicState, len(cfg.Topics))
	for _, spec := range cfg.Topics {
		if spec.Name == "" {
			return nil, errors.New("waitfor: topic name must not be empty")
		}
		if _, ok := state[spec.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTopic, spec.Name)
		}
		state[spec.Name] = &topicState{
			spec:   spec,
			buffer: newRing(cfg.BufferLength),
		}
	}

	return &Waiter{
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger,
		state:     state,
	}, nil
}

// Start subscribes to every configured topic and blocks until each has
// produced at least one message or the timeout elapses. It reports true on
// success and false on timeout; a timeout is not an error. Subscription
// failures tear down any partial subscriptions and are returned as-is.
//
// Start is legal exactly once per Waiter; a second call returns
// ErrAlreadyStarted, and a call after Shutdown returns ErrShutdown.
func (w *Waiter) Start() (bool, error) {
	return w.run(nil)
}

// Wait is Start with an optional argument forwarded to the configured
// Callback on every poll tick.
func (w *Waiter) Wait(args ...any) (bool, error) {
	var arg any
	if len(args) > 0 {
		arg = args[0]
	}
	return w.run(arg)
}

func (w *Waiter) run(arg any) (bool, error) {
	w.mu.Lock()
	switch w.phase {
	case phaseShutdown:
		w.mu.Unlock()
		return false, ErrShutdown
	case phaseStarted, phaseDone:
		w.mu.Unlock()
		return false, ErrAlreadyStarted
	}
	w.phase = phaseStarted
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.subscribeAll(ctx); err != nil {
		w.Shutdown()
		return false, err
	}

	start := time.Now()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shut down while waiting; report whatever was satisfied.
			return w.allReceived(), nil
		case <-ticker.C:
		}

		if w.cfg.Callback != nil {
			w.cfg.Callback(w, arg)
		}

		if w.allReceived() {
			w.markDone()
			w.log.Debug().
				Dur("elapsed", time.Since(start)).
				Msg("all topics received")
			return true, nil
		}

		if time.Since(start) >= w.cfg.Timeout {
			w.markDone()
			w.log.Debug().
				Strs("not_received", w.TopicsNotReceived()).
				Msg("wait timed out")
			return false, nil
		}
	}
}

// subscribeAll registers a handler per topic, in config order.
func (w *Waiter) subscribeAll(ctx context.Context) error {
	for _, spec := range w.cfg.Topics {
		ts := w.state[spec.Name]
		sub, err := w.transport.Subscribe(ctx, spec.Name, w.handlerFor(ts))
		if err != nil {
			return fmt.Errorf("waitfor: subscribe %q: %w", spec.Name, err)
		}
		w.mu.Lock()
		ts.sub = sub
		w.mu.Unlock()
	}
	return nil
}

// handlerFor builds the delivery handler for one topic: push into the ring,
// mark the topic received on the first message. After Shutdown the handler
// becomes a no-op so buffers stay frozen even if the transport keeps
// delivering.
func (w *Waiter) handlerFor(ts *topicState) pubsub.Handler {
	return func(payload []byte) {
		msg := Message{
			Topic:      ts.spec.Name,
			Data:       payload,
			ReceivedAt: time.Now(),
		}

		w.mu.Lock()
		if w.phase == phaseShutdown {
			w.mu.Unlock()
			return
		}
		first := !ts.received
		ts.buffer.push(msg)
		ts.received = true
		w.mu.Unlock()

		if first {
			w.log.Debug().
				Str("topic", ts.spec.Name).
				Str("type", ts.spec.Type).
				Msg("first message received")
		}
	}
}

func (w *Waiter) allReceived() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ts := range w.state {
		if !ts.received {
			return false
		}
	}
	return true
}

func (w *Waiter) markDone() {
	w.mu.Lock()
	if w.phase == phaseStarted {
		w.phase = phaseDone
	}
	w.mu.Unlock()
}

// TopicsReceived returns the names of topics that have produced at least one
// message, sorted. A topic stays in the set even after its buffer is
// drained.
func (w *Waiter) TopicsReceived() []string {
	return w.topicNames(true)
}

// TopicsNotReceived returns the names of topics still waiting for their
// first message, sorted.
func (w *Waiter) TopicsNotReceived() []string {
	return w.topicNames(false)
}

func (w *Waiter) topicNames(received bool) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := []string{}
	for name, ts := range w.state {
		if ts.received == received {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// ReceivedMessages returns the live ring buffer for the topic. Popping from
// it drains the same buffer that ongoing delivery fills. Returns
// ErrUnknownTopic for a name that was never configured.
func (w *Waiter) ReceivedMessages(topic string) (*Ring, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts, ok := w.state[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return ts.buffer, nil
}

// Shutdown cancels the subscription context, unsubscribes every topic, and
// freezes the buffers: no mutation happens after it returns, even if the
// transport keeps delivering. Safe to call more than once, and without a
// prior Start. Terminal - the Waiter can't be restarted.
func (w *Waiter) Shutdown() {
	w.mu.Lock()
	if w.phase == phaseShutdown {
		w.mu.Unlock()
		return
	}
	w.phase = phaseShutdown
	cancel := w.cancel
	w.cancel = nil
	subs := make([]pubsub.Subscription, 0, len(w.state))
	for _, ts := range w.state {
		if ts.sub != nil {
			subs = append(subs, ts.sub)
			ts.sub = nil
		}
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	w.log.Debug().Msg("waiter shut down")
}
