package reliability

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/treez"
)

// Span hierarchy corruption tests - drive the aggregator with notification
// sequences a well-behaved tracer never produces and verify the registry
// stays consistent.

func TestSpanHierarchyCorruption(t *testing.T) {
	config := getReliabilityConfig()

	switch config.Level {
	case levelBasic:
		t.Run("orphaned_spans", testOrphanedSpans)
		t.Run("unknown_ids", testUnknownIDs)
		t.Run("open_id_reuse", testOpenIDReuse)
	case levelStress:
		t.Run("random_close_order", testRandomCloseOrder)
		t.Run("hierarchy_storm", testHierarchyStorm)
	default:
		t.Skip("TREEZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
}

func newAggregator(capacity int) (*treez.Aggregator, *treez.Collector) {
	ch := treez.NewBroadcaster(capacity)
	collector := treez.NewCollector("corruption", ch.Subscribe())
	return treez.NewAggregator(ch), collector
}

func attrs(name string, parent treez.ID) treez.Attributes {
	return treez.Attributes{
		Metadata: treez.Metadata{Name: name, Level: treez.LevelInfo},
		Parent:   parent,
	}
}

// testOrphanedSpans verifies spans and events naming a parent that is not
// open become roots of their own.
func testOrphanedSpans(t *testing.T) {
	agg, collector := newAggregator(64)
	defer collector.Close()

	_ = agg.OnSpanCreate(1, attrs("never-opened-parent", 99))
	_ = agg.OnSpanCreate(2, attrs("closed-parent", 0))
	_ = agg.OnClose(2)
	_ = agg.OnSpanCreate(3, attrs("orphan", 2))
	_ = agg.OnEvent(attrs("orphan-event", 2))
	_ = agg.OnClose(3)
	_ = agg.OnClose(1)

	trees := collector.WaitFor(4, time.Second)
	want := []string{"closed-parent", "orphan-event", "orphan", "never-opened-parent"}
	if len(trees) != len(want) {
		t.Fatalf("Expected %d trees, got %d", len(want), len(trees))
	}
	for i, name := range want {
		if trees[i].Name != name || len(trees[i].Children) != 0 {
			t.Errorf("Tree %d: expected childless %s, got %s with %d children",
				i, name, trees[i].Name, len(trees[i].Children))
		}
	}
	if agg.Resident() != 0 {
		t.Errorf("Expected empty registry, %d resident", agg.Resident())
	}
}

// testUnknownIDs verifies notifications for IDs never created are ignored.
func testUnknownIDs(t *testing.T) {
	agg, collector := newAggregator(64)
	defer collector.Close()

	agg.OnEnter(7)
	agg.OnExit(7)
	agg.OnRecord(7, treez.String("k", "v"))
	if err := agg.OnClose(7); err != nil {
		t.Errorf("Expected close of unknown ID to be ignored, got %v", err)
	}
	if err := agg.OnSpanCreate(0, attrs("zero", 0)); err != nil {
		t.Errorf("Expected zero ID to be ignored, got %v", err)
	}

	if agg.Resident() != 0 || agg.Open() != 0 {
		t.Errorf("Expected empty registry, %d resident %d open", agg.Resident(), agg.Open())
	}
	if trees := collector.WaitFor(1, 50*time.Millisecond); len(trees) != 0 {
		t.Errorf("Expected no trees, got %d", len(trees))
	}
}

// testOpenIDReuse verifies creating a span under an ID still open closes the
// previous holder, and a closed child's ID can be reused immediately.
func testOpenIDReuse(t *testing.T) {
	agg, collector := newAggregator(64)
	defer collector.Close()

	_ = agg.OnSpanCreate(1, attrs("first", 0))
	_ = agg.OnSpanCreate(2, attrs("child", 1))
	_ = agg.OnClose(2)
	// Closed child is still resident under its root, but its ID is free.
	_ = agg.OnSpanCreate(2, attrs("second-child", 1))
	_ = agg.OnClose(2)
	// Reusing the open root ID displaces it.
	_ = agg.OnSpanCreate(1, attrs("replacement", 0))
	_ = agg.OnClose(1)

	trees := collector.WaitFor(2, time.Second)
	if len(trees) != 2 {
		t.Fatalf("Expected 2 trees, got %d", len(trees))
	}
	if trees[0].Name != "first" || len(trees[0].Children) != 2 {
		t.Errorf("Expected first with 2 children, got %s with %d", trees[0].Name, len(trees[0].Children))
	}
	if trees[1].Name != "replacement" || len(trees[1].Children) != 0 {
		t.Errorf("Expected childless replacement, got %s with %d", trees[1].Name, len(trees[1].Children))
	}
	if agg.Resident() != 0 {
		t.Errorf("Expected empty registry, %d resident", agg.Resident())
	}
}

// testRandomCloseOrder builds random trees and closes their spans in a random
// order. Every tree must arrive exactly once with all its nodes.
func testRandomCloseOrder(t *testing.T) {
	config := getReliabilityConfig()
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Test randomness
	deadline := time.Now().Add(config.Duration)

	rounds := 0
	for time.Now().Before(deadline) {
		agg, collector := newAggregator(16)

		size := 2 + rng.Intn(200)
		_ = agg.OnSpanCreate(1, attrs("root", 0))
		for id := 2; id <= size; id++ {
			parent := treez.ID(1 + rng.Intn(id-1))
			_ = agg.OnSpanCreate(treez.ID(id), attrs("node", parent))
		}

		order := rng.Perm(size)
		for _, i := range order {
			_ = agg.OnClose(treez.ID(i + 1))
		}

		trees := collector.WaitFor(1, time.Second)
		if len(trees) != 1 {
			t.Fatalf("Round %d: expected 1 tree, got %d", rounds, len(trees))
		}
		if trees[0].Size() != size {
			t.Fatalf("Round %d: expected %d nodes, got %d", rounds, size, trees[0].Size())
		}
		if agg.Resident() != 0 || agg.Open() != 0 {
			t.Fatalf("Round %d: %d resident %d open after all closes", rounds, agg.Resident(), agg.Open())
		}
		collector.Close()
		rounds++
	}

	t.Logf("Verified %d random trees", rounds)
}

// testHierarchyStorm interleaves many goroutines, each owning a disjoint ID
// range, on one aggregator.
func testHierarchyStorm(t *testing.T) {
	config := getReliabilityConfig()
	workers := config.MaxGoroutines
	treesPerWorker := 100
	const nodesPerTree = 20

	agg, collector := newAggregator(workers * treesPerWorker)
	defer collector.Close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := treez.ID(w*nodesPerTree + 1)
			for i := 0; i < treesPerWorker; i++ {
				_ = agg.OnSpanCreate(base, attrs("root", 0))
				for n := treez.ID(1); n < nodesPerTree; n++ {
					_ = agg.OnSpanCreate(base+n, attrs("node", base+n-1))
					agg.OnEnter(base + n)
					agg.OnRecord(base+n, treez.Int("w", w))
					agg.OnExit(base + n)
				}
				_ = agg.OnEvent(attrs("mark", base+nodesPerTree/2))
				// Close root first: the descendants are drained with it.
				_ = agg.OnClose(base)
				for n := treez.ID(1); n < nodesPerTree; n++ {
					_ = agg.OnClose(base + n)
				}
			}
		}(w)
	}
	wg.Wait()

	trees := collector.WaitFor(workers*treesPerWorker, 10*time.Second)
	if len(trees) != workers*treesPerWorker {
		t.Fatalf("Expected %d trees, got %d", workers*treesPerWorker, len(trees))
	}
	for i := range trees {
		if trees[i].Size() != nodesPerTree+1 {
			t.Fatalf("Tree %d has %d nodes, expected %d", i, trees[i].Size(), nodesPerTree+1)
		}
	}
	if agg.Resident() != 0 || agg.Open() != 0 {
		t.Errorf("Expected empty registry, %d resident %d open", agg.Resident(), agg.Open())
	}
}
