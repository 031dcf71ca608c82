package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/treez"
)

// Harness wires a broadcaster, an aggregator, a tracer and a collector
// draining one subscription.
//
//nolint:govet // Field alignment optimized for test helper readability
type Harness struct {
	Channel   *treez.Broadcaster
	Tracer    *treez.Tracer
	Collector *treez.Collector
	Monitor   *treez.CountMonitor
	t         *testing.T
}

// NewHarness creates a harness retaining capacity trees. Extra aggregator
// options are applied after the monitor.
func NewHarness(t *testing.T, capacity int, opts ...treez.Option) *Harness {
	t.Helper()

	ch := treez.NewBroadcaster(capacity)
	monitor := &treez.CountMonitor{}
	opts = append([]treez.Option{treez.WithMonitor(monitor)}, opts...)

	h := &Harness{
		Channel:   ch,
		Collector: treez.NewCollector(t.Name(), ch.Subscribe()),
		Tracer:    treez.New(treez.NewAggregator(ch, opts...)),
		Monitor:   monitor,
		t:         t,
	}
	t.Cleanup(h.Close)
	return h
}

// Close stops the tracer and the collector.
func (h *Harness) Close() {
	h.Tracer.Close()
	h.Collector.Close()
}

// WaitForTrees waits for expected trees and fails the test if they do not arrive.
func (h *Harness) WaitForTrees(expected int) []treez.Entry {
	h.t.Helper()
	trees := h.Collector.WaitFor(expected, 2*time.Second)
	if len(trees) != expected {
		h.t.Fatalf("Expected %d trees, got %d", expected, len(trees))
	}
	return trees
}

// AssertDrained fails the test if any span is still resident.
func (h *Harness) AssertDrained() {
	h.t.Helper()
	if n := h.Tracer.Aggregator().Resident(); n != 0 {
		h.t.Errorf("Expected empty registry, %d spans resident", n)
	}
}

// PrintTree renders names and took as an indented outline.
func PrintTree(e *treez.Entry) string {
	var sb strings.Builder
	e.Walk(func(n *treez.Entry, depth int) bool {
		sb.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(&sb, "%s (%dus)\n", n.Name, n.Took)
		return true
	})
	return sb.String()
}

// MockService simulates a downstream service instrumented with the tracer.
type MockService struct {
	tracer       *treez.Tracer
	name         string
	latency      time.Duration
	mu           sync.Mutex
	requestCount int
	failEvery    int
}

// NewMockService creates a simulated service.
func NewMockService(name string, tracer *treez.Tracer) *MockService {
	return &MockService{
		name:    name,
		latency: time.Millisecond,
		tracer:  tracer,
	}
}

// SetLatency configures response time.
func (m *MockService) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// SetFailEvery makes every nth call fail; 0 never fails.
func (m *MockService) SetFailEvery(n int) {
	m.mu.Lock()
	m.failEvery = n
	m.mu.Unlock()
}

// Call simulates a service call with tracing.
func (m *MockService) Call(ctx context.Context, operation string) error {
	m.mu.Lock()
	m.requestCount++
	count := m.requestCount
	latency := m.latency
	shouldFail := m.failEvery > 0 && count%m.failEvery == 0
	m.mu.Unlock()

	ctx, span := m.tracer.StartSpan(ctx, treez.LevelInfo, m.name+"."+operation,
		treez.String("service", m.name),
		treez.Int("request_id", count),
	)
	defer span.Finish()

	var err error
	span.Do(func() {
		time.Sleep(latency)
		if shouldFail {
			err = fmt.Errorf("%s: simulated failure", m.name)
			m.tracer.Event(ctx, treez.LevelError, "call failed", treez.Err(err))
		}
	})

	span.Record(treez.Bool("success", err == nil))
	return err
}

// EntryMatcher provides fluent assertions for entries.
type EntryMatcher struct {
	t     *testing.T
	entry *treez.Entry
}

// Match creates a matcher for entry assertions.
func Match(t *testing.T, entry *treez.Entry) *EntryMatcher {
	return &EntryMatcher{t: t, entry: entry}
}

// HasField asserts a field value.
func (m *EntryMatcher) HasField(key, value string) *EntryMatcher {
	m.t.Helper()
	if got, ok := m.entry.Fields[key]; !ok || got != value {
		m.t.Errorf("Entry %s: expected field %s=%q, got %q", m.entry.Name, key, value, got)
	}
	return m
}

// HasChildren asserts the names of the direct children, in order.
func (m *EntryMatcher) HasChildren(names ...string) *EntryMatcher {
	m.t.Helper()
	got := make([]string, len(m.entry.Children))
	for i := range m.entry.Children {
		got[i] = m.entry.Children[i].Name
	}
	if strings.Join(got, ",") != strings.Join(names, ",") {
		m.t.Errorf("Entry %s: expected children %v, got %v", m.entry.Name, names, got)
	}
	return m
}

// TookBetween asserts the accumulated duration.
func (m *EntryMatcher) TookBetween(minDur, maxDur time.Duration) *EntryMatcher {
	m.t.Helper()
	if d := m.entry.Duration(); d < minDur || d > maxDur {
		m.t.Errorf("Entry %s: took %v, expected between %v and %v", m.entry.Name, d, minDur, maxDur)
	}
	return m
}

// TreeAnalyzer answers questions about a set of trees.
type TreeAnalyzer struct {
	trees []treez.Entry
}

// NewTreeAnalyzer creates an analyzer.
func NewTreeAnalyzer(trees []treez.Entry) *TreeAnalyzer {
	return &TreeAnalyzer{trees: trees}
}

// CountTrees returns the number of roots.
func (a *TreeAnalyzer) CountTrees() int {
	return len(a.trees)
}

// CountNodes returns the number of nodes over all trees.
func (a *TreeAnalyzer) CountNodes() int {
	n := 0
	for i := range a.trees {
		n += a.trees[i].Size()
	}
	return n
}

// FindByName returns every node with the given name.
func (a *TreeAnalyzer) FindByName(name string) []*treez.Entry {
	var found []*treez.Entry
	for i := range a.trees {
		a.trees[i].Walk(func(e *treez.Entry, _ int) bool {
			if e.Name == name {
				found = append(found, e)
			}
			return true
		})
	}
	return found
}

// VerifyChain checks that names form a path from a root downwards.
func (a *TreeAnalyzer) VerifyChain(names ...string) error {
	if len(names) < 2 {
		return fmt.Errorf("chain requires at least 2 entries")
	}

	for i := range a.trees {
		if a.trees[i].Name == names[0] && hasPath(&a.trees[i], names[1:]) {
			return nil
		}
	}
	return fmt.Errorf("no chain %s", strings.Join(names, " -> "))
}

func hasPath(e *treez.Entry, names []string) bool {
	if len(names) == 0 {
		return true
	}
	for i := range e.Children {
		if e.Children[i].Name == names[0] && hasPath(&e.Children[i], names[1:]) {
			return true
		}
	}
	return false
}

// CriticalPath returns the root-to-leaf path with the largest total took.
func (a *TreeAnalyzer) CriticalPath() []*treez.Entry {
	var best []*treez.Entry
	var bestTook uint64
	for i := range a.trees {
		path := longestPath(&a.trees[i])
		if took := pathTook(path); best == nil || took > bestTook {
			best, bestTook = path, took
		}
	}
	return best
}

func longestPath(e *treez.Entry) []*treez.Entry {
	path := []*treez.Entry{e}

	var longest []*treez.Entry
	var longestTook uint64
	for i := range e.Children {
		childPath := longestPath(&e.Children[i])
		if took := pathTook(childPath); longest == nil || took > longestTook {
			longest, longestTook = childPath, took
		}
	}

	return append(path, longest...)
}

func pathTook(path []*treez.Entry) uint64 {
	var total uint64
	for _, e := range path {
		total += e.Took
	}
	return total
}
