package treez

import (
	"sync"
	"sync/atomic"
)

// IDPool hands out span IDs, recycling the IDs of finished spans before
// minting new ones.
type IDPool struct {
	free   chan ID
	stopCh chan struct{}
	next   atomic.Uint64
	mu     sync.Mutex
	closed bool
}

// NewIDPool creates a pool that keeps up to capacity recycled IDs.
func NewIDPool(capacity int) *IDPool {
	if capacity < 0 {
		capacity = 0
	}
	return &IDPool{
		free:   make(chan ID, capacity),
		stopCh: make(chan struct{}),
	}
}

// Get returns a recycled ID, or a fresh one if none is available.
// Fresh IDs are never zero.
func (p *IDPool) Get() ID {
	select {
	case id := <-p.free:
		return id
	default:
		// Pool empty, mint directly.
		return ID(p.next.Add(1))
	}
}

// Put returns an ID for reuse. IDs beyond capacity are discarded.
func (p *IDPool) Put(id ID) {
	if id == 0 {
		return
	}
	select {
	case <-p.stopCh:
		return
	default:
	}
	select {
	case p.free <- id:
	default:
	}
}

// Minted returns the number of fresh IDs created so far.
func (p *IDPool) Minted() uint64 {
	return p.next.Load()
}

// Close stops recycling. Get keeps minting fresh IDs.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
