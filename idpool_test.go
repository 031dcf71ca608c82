package treez

import (
	"sync"
	"testing"
)

// TestIDPoolMintsUniqueIDs tests that fresh IDs are unique and non-zero.
func TestIDPoolMintsUniqueIDs(t *testing.T) {
	pool := NewIDPool(10)
	defer pool.Close()

	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		id := pool.Get()
		if id == 0 {
			t.Fatal("Expected non-zero ID")
		}
		if seen[id] {
			t.Fatalf("Duplicate ID %d", id)
		}
		seen[id] = true
	}
	if pool.Minted() != 100 {
		t.Errorf("Expected 100 minted IDs, got %d", pool.Minted())
	}
}

// TestIDPoolRecycles tests that returned IDs are handed out again.
func TestIDPoolRecycles(t *testing.T) {
	pool := NewIDPool(1)
	defer pool.Close()

	id := pool.Get()
	pool.Put(id)
	if got := pool.Get(); got != id {
		t.Errorf("Expected recycled ID %d, got %d", id, got)
	}

	pool.Put(0)
	if got := pool.Get(); got == 0 || got == id {
		t.Errorf("Expected a fresh ID, got %d", got)
	}
}

// TestIDPoolClose tests that a closed pool stops recycling but keeps minting.
func TestIDPoolClose(t *testing.T) {
	pool := NewIDPool(4)
	pool.Close()
	pool.Close()

	id := pool.Get()
	pool.Put(id)
	if got := pool.Get(); got == id {
		t.Errorf("Expected closed pool not to recycle %d", id)
	}
}

// TestIDPoolConcurrentAccess tests concurrent access to ID pool.
func TestIDPoolConcurrentAccess(t *testing.T) {
	pool := NewIDPool(64)
	defer pool.Close()

	const goroutines = 10
	const perGoroutine = 100

	var mu sync.Mutex
	live := make(map[ID]bool)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := pool.Get()
				mu.Lock()
				if live[id] {
					mu.Unlock()
					t.Errorf("ID %d handed out twice while live", id)
					return
				}
				live[id] = true
				mu.Unlock()

				mu.Lock()
				delete(live, id)
				mu.Unlock()
				pool.Put(id)
			}
		}()
	}
	wg.Wait()
}
