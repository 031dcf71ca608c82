package treez

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers published trees for batch export.
// It drains a Subscription on its own goroutine; trees can also be fed
// directly with Handle, which makes it usable as a Dispatcher handler.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	entries     []Entry
	sub         *Subscription
	cancel      context.CancelFunc
	done        chan struct{}
	missedCount atomic.Uint64
	name        string
	mu          sync.Mutex
	closed      atomic.Bool
}

// NewCollector creates a collector draining sub. A nil sub creates a
// collector that is only fed through Handle.
func NewCollector(name string, sub *Subscription) *Collector {
	c := &Collector{
		name:    name,
		entries: make([]Entry, 0, 8), // Start with small capacity.
		sub:     sub,
		done:    make(chan struct{}),
	}
	if sub == nil {
		close(c.done)
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.start(ctx)
	return c
}

// start runs the collector's main loop, receiving trees from the subscription.
func (c *Collector) start(ctx context.Context) {
	defer close(c.done)

	for {
		entry, err := c.sub.Recv(ctx)
		if err == nil {
			c.buffer(entry)
			continue
		}
		var lagged *LaggedError
		if errors.As(err, &lagged) {
			c.missedCount.Add(lagged.Missed)
			continue
		}
		// Closed or cancelled.
		return
	}
}

// Handle buffers a tree directly. Dropped once the collector is closed.
func (c *Collector) Handle(entry Entry) {
	if c.closed.Load() {
		c.missedCount.Add(1)
		return
	}
	c.buffer(entry)
}

func (c *Collector) buffer(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

// Export returns all buffered trees and clears the internal buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Export() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil
	}

	result := make([]Entry, len(c.entries))
	copy(result, c.entries)

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.entries) > 256 && len(c.entries) < cap(c.entries)/8 {
		c.entries = make([]Entry, 0, cap(c.entries)/4)
	} else {
		c.entries = c.entries[:0]
	}
	clear(c.entries[:cap(c.entries)])

	return result
}

// WaitFor blocks until at least n trees are buffered or the timeout expires,
// then exports everything buffered.
func (c *Collector) WaitFor(n int, timeout time.Duration) []Entry {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for c.Count() < n && time.Now().Before(deadline) {
		<-ticker.C
	}
	return c.Export()
}

// Count returns the current number of buffered trees.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MissedCount returns the number of trees lost because the collector lagged
// behind its subscription or was already closed.
func (c *Collector) MissedCount() uint64 {
	return c.missedCount.Load()
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

// Reset clears all buffered trees and the missed counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = c.entries[:0]
	c.missedCount.Store(0)
}

// Close unsubscribes and waits for the drain goroutine to stop.
// Buffered trees remain available to Export.
func (c *Collector) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.sub.Close()
	}
	<-c.done
}
