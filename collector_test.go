package treez

import (
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector("test-collector", nil)
	defer collector.Close()

	if collector.Name() != "test-collector" {
		t.Errorf("Expected name 'test-collector', got %s", collector.Name())
	}
	if collector.Count() != 0 {
		t.Errorf("Expected 0 entries initially, got %d", collector.Count())
	}
	if collector.MissedCount() != 0 {
		t.Errorf("Expected 0 missed entries initially, got %d", collector.MissedCount())
	}
}

func TestCollectorDrainsSubscription(t *testing.T) {
	ch := NewBroadcaster(16)
	collector := NewCollector("test", ch.Subscribe())
	defer collector.Close()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := ch.Send(named(name)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	entries := collector.WaitFor(3, time.Second)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Name != want {
			t.Errorf("Entry %d: expected %s, got %s", i, want, entries[i].Name)
		}
	}

	// After export, collector should be empty.
	if collector.Count() != 0 {
		t.Errorf("Expected 0 entries after export, got %d", collector.Count())
	}
}

func TestCollectorHandleAndReset(t *testing.T) {
	collector := NewCollector("direct", nil)

	collector.Handle(named("one"))
	collector.Handle(named("two"))
	if collector.Count() != 2 {
		t.Errorf("Expected 2 entries, got %d", collector.Count())
	}

	collector.Reset()
	if collector.Count() != 0 {
		t.Errorf("Expected 0 entries after reset, got %d", collector.Count())
	}

	collector.Close()
	collector.Handle(named("late"))
	if collector.Count() != 0 || collector.MissedCount() != 1 {
		t.Errorf("Expected late entry to be counted as missed, count %d missed %d",
			collector.Count(), collector.MissedCount())
	}
}

func TestCollectorCountsLag(t *testing.T) {
	ch := NewBroadcaster(2)
	sub := ch.Subscribe()

	// Overflow before the collector starts reading.
	for i := 0; i < 5; i++ {
		ch.Send(named("x")) //nolint:errcheck // subscriber present
	}

	collector := NewCollector("lagging", sub)
	defer collector.Close()

	entries := collector.WaitFor(2, time.Second)
	if len(entries) != 2 {
		t.Errorf("Expected 2 retained entries, got %d", len(entries))
	}
	if collector.MissedCount() != 3 {
		t.Errorf("Expected 3 missed entries, got %d", collector.MissedCount())
	}
}

func TestCollectorExportIsCopy(t *testing.T) {
	collector := NewCollector("copy", nil)
	defer collector.Close()

	collector.Handle(named("a"))
	first := collector.Export()
	collector.Handle(named("b"))

	if first[0].Name != "a" {
		t.Errorf("Expected exported slice to be unaffected, got %s", first[0].Name)
	}
	if collector.Export() == nil {
		t.Error("Expected second export to return the new entry")
	}
	if collector.Export() != nil {
		t.Error("Expected empty export to return nil")
	}
}

func TestCollectorCloseStopsGoroutine(t *testing.T) {
	ch := NewBroadcaster(4)
	collector := NewCollector("closing", ch.Subscribe())
	collector.Close()
	collector.Close()

	if ch.ReceiverCount() != 0 {
		t.Errorf("Expected collector to unsubscribe, got %d receivers", ch.ReceiverCount())
	}
}
