package waitfor

import (
	"sync"
	"time"
)

// Message is a single buffered delivery from the transport.
type Message struct {
	Topic      string
	Data       []byte
	ReceivedAt time.Time
}

// Ring is a fixed-capacity FIFO of messages. When the ring is full, pushing
// evicts the oldest entry. The Waiter shares each topic's Ring with its
// delivery handler, so popping drains the same buffer that ongoing delivery
// fills. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []Message
	head  int
	count int
}

func newRing(capacity int) *Ring {
	return &Ring{buf: make([]Message, capacity)}
}

// push appends a message, evicting the oldest when the ring is full.
func (r *Ring) push(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.buf) {
		// Full: overwrite the oldest slot
		r.buf[r.head] = m
		r.head = (r.head + 1) % len(r.buf)
		return
	}

	r.buf[(r.head+r.count)%len(r.buf)] = m
	r.count++
}

// Pop removes and returns the oldest message. ok is false when the ring is
// empty.
func (r *Ring) Pop() (m Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Message{}, false
	}

	m = r.buf[r.head]
	r.buf[r.head] = Message{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return m, true
}

// Len returns the number of buffered messages.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Messages returns a copy of the buffered messages, oldest first. The ring
// itself is left untouched.
func (r *Ring) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
