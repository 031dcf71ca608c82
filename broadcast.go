package treez

import (
	"context"
	"sync"
)

// Broadcaster is a bounded, multi-consumer fan-out of completed trees.
// Every subscriber receives every entry sent after it subscribed, in send
// order. Send never blocks: a subscriber that falls more than capacity
// entries behind loses the oldest ones and is told how many it missed.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability
type Broadcaster struct {
	ring     []Entry
	notify   chan struct{}
	head     uint64 // sequence number of the next send
	capacity uint64
	subs     int
	closed   bool
	mu       sync.Mutex
}

// NewBroadcaster creates a broadcaster retaining at most capacity entries.
// Capacity below 1 is raised to 1.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster{
		ring:     make([]Entry, capacity),
		notify:   make(chan struct{}),
		capacity: uint64(capacity),
	}
}

// Send publishes an entry to all current subscribers and returns how many
// there are. With no subscribers the entry is dropped and ErrNoConsumers is
// returned.
func (b *Broadcaster) Send(e Entry) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if b.subs == 0 {
		return 0, ErrNoConsumers
	}

	b.ring[b.head%b.capacity] = e
	b.head++

	// Wake every waiting subscriber.
	close(b.notify)
	b.notify = make(chan struct{})

	return b.subs, nil
}

// Subscribe registers a new subscriber that sees entries sent from now on.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{b: b, next: b.head}
	if b.closed {
		s.closed = true
		return s
	}
	b.subs++
	return s
}

// ReceiverCount returns the number of active subscribers.
func (b *Broadcaster) ReceiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Capacity returns the number of entries retained for slow subscribers.
func (b *Broadcaster) Capacity() int {
	return int(b.capacity) //nolint:gosec // set from an int in NewBroadcaster
}

// Close stops accepting entries. Subscribers drain what is retained and then
// receive ErrClosed. Safe to call multiple times.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscription is one consumer's view of a Broadcaster.
// Not safe for concurrent receives; Close may be called from any goroutine.
//
//nolint:govet // Field order optimized for readability
type Subscription struct {
	b      *Broadcaster
	next   uint64
	closed bool
}

// Recv waits for the next entry. It returns a *LaggedError when entries were
// overwritten before this subscriber read them; the following call resumes at
// the oldest retained entry. It returns ErrClosed once the subscription or the
// broadcaster is closed and nothing is left to read.
func (s *Subscription) Recv(ctx context.Context) (Entry, error) {
	for {
		e, wait, err := s.poll()
		if err != ErrEmpty { //nolint:errorlint // sentinel compared by identity
			return e, err
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wait:
		}
	}
}

// TryRecv returns the next entry without waiting, or ErrEmpty.
func (s *Subscription) TryRecv() (Entry, error) {
	e, _, err := s.poll()
	return e, err
}

func (s *Subscription) poll() (Entry, <-chan struct{}, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return Entry{}, nil, ErrClosed
	}

	if s.next < b.head {
		if b.head-s.next > b.capacity {
			oldest := b.head - b.capacity
			missed := oldest - s.next
			s.next = oldest
			return Entry{}, nil, &LaggedError{Missed: missed}
		}
		e := b.ring[s.next%b.capacity].Clone()
		s.next++
		return e, nil, nil
	}

	if b.closed {
		return Entry{}, nil, ErrClosed
	}
	return Entry{}, b.notify, ErrEmpty
}

// Len returns the number of entries waiting for this subscriber, including
// ones it can no longer read because it lagged.
func (s *Subscription) Len() int {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return 0
	}
	return int(b.head - s.next) //nolint:gosec // bounded by sends since subscribe
}

// Close unsubscribes. Pending entries are discarded.
// Safe to call multiple times.
func (s *Subscription) Close() {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	b.subs--

	// Wake a Recv blocked on this subscription; other waiters simply re-poll.
	if !b.closed {
		close(b.notify)
		b.notify = make(chan struct{})
	}
}
