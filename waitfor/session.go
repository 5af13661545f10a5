package waitfor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/erlorenz/topicwait/pubsub"
)

// TimeoutError is returned by Open when the topics were not all received
// before the deadline. NotReceived carries the missing topic names, sorted.
type TimeoutError struct {
	NotReceived []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waitfor: timed out waiting for topics: %s",
		strings.Join(e.NotReceived, ", "))
}

// Session is the scoped form of the Waiter. Open subscribes and waits;
// Close releases everything. Pair every successful Open with a deferred
// Close so the subscriptions are released however the caller exits:
//
//	session, err := waitfor.Open(broker, cfg)
//	if err != nil {
//		// *TimeoutError on timeout, usage/transport error otherwise;
//		// cleanup already happened.
//	}
//	defer session.Close()
type Session struct {
	w    *Waiter
	once sync.Once
}

// Open builds a Waiter over the transport and waits for every configured
// topic. A Session is returned only when the wait succeeded; on timeout or
// error Open shuts the Waiter down itself and returns a *TimeoutError or
// the underlying error.
func Open(transport pubsub.Subscriber, cfg Config) (*Session, error) {
	w, err := New(transport, cfg)
	if err != nil {
		return nil, err
	}

	ok, err := w.Start()
	if err != nil {
		w.Shutdown()
		return nil, err
	}
	if !ok {
		missing := w.TopicsNotReceived()
		w.Shutdown()
		return nil, &TimeoutError{NotReceived: missing}
	}

	return &Session{w: w}, nil
}

// TopicsReceived reports the received set of the underlying Waiter.
func (s *Session) TopicsReceived() []string {
	return s.w.TopicsReceived()
}

// TopicsNotReceived reports the not-received set of the underlying Waiter.
// Empty for an open session, since Open only succeeds when every topic
// arrived.
func (s *Session) TopicsNotReceived() []string {
	return s.w.TopicsNotReceived()
}

// ReceivedMessages returns the live buffer for the topic, as
// Waiter.ReceivedMessages does.
func (s *Session) ReceivedMessages(topic string) (*Ring, error) {
	return s.w.ReceivedMessages(topic)
}

// Close shuts the session's Waiter down. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.w.Shutdown()
	})
	return nil
}
