package treez

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func newTestTracer(clock clockz.Clock) (*Tracer, *Subscription) {
	ch := NewBroadcaster(64)
	sub := ch.Subscribe()
	return New(NewAggregator(ch, WithClock(clock))), sub
}

func TestTracerStartSpanNoParent(t *testing.T) {
	tracer, sub := newTestTracer(clockz.NewFakeClockAt(epoch))
	defer tracer.Close()

	ctx, span := tracer.StartSpan(context.Background(), LevelInfo, "test-operation", String("k", "v"))

	if span.Name() != "test-operation" {
		t.Errorf("Expected span name 'test-operation', got %s", span.Name())
	}
	if span.ID() == 0 {
		t.Error("Expected non-zero ID")
	}
	if SpanFromContext(ctx) != span {
		t.Error("Expected span to be propagated in context")
	}

	span.Finish()

	root := mustRecv(t, sub)
	if root.Name != "test-operation" || root.Level != "INFO" || root.Fields["k"] != "v" {
		t.Errorf("Unexpected root %+v", root)
	}
	if !strings.HasSuffix(root.File, "tracer_test.go") || root.Line == 0 {
		t.Errorf("Expected caller location in tracer_test.go, got %s:%d", root.File, root.Line)
	}
}

func TestTracerNestedSpansAndEvents(t *testing.T) {
	clock := clockz.NewFakeClockAt(epoch)
	tracer, sub := newTestTracer(clock)
	defer tracer.Close()

	ctx, root := tracer.StartSpan(context.Background(), LevelInfo, "foobar")
	root.Do(func() {
		childCtx, child := tracer.StartSpan(ctx, LevelInfo, "more", Int("x", 3))
		child.Do(func() {
			clock.Advance(2 * time.Millisecond)
			tracer.Event(childCtx, LevelInfo, "more!", String("info", "yes"))
		})
		child.Finish()
	})
	root.Finish()

	tree := mustRecv(t, sub)
	if tree.Name != "foobar" || tree.Took != 2000 {
		t.Fatalf("Expected foobar took 2000, got %s took %d", tree.Name, tree.Took)
	}
	if len(tree.Children) != 1 || tree.Children[0].Name != "more" {
		t.Fatalf("Expected single child 'more', got %+v", tree.Children)
	}
	more := tree.Children[0]
	if more.Took != 2000 || more.Fields["x"] != "3" {
		t.Errorf("Unexpected child %+v", more)
	}
	if len(more.Children) != 1 {
		t.Fatalf("Expected one event, got %d", len(more.Children))
	}
	ev := more.Children[0]
	if ev.Name != EventName || ev.Message() != "more!" || ev.Fields["info"] != "yes" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestTracerEventWithoutSpan(t *testing.T) {
	tracer, sub := newTestTracer(clockz.NewFakeClockAt(epoch))
	defer tracer.Close()

	tracer.Event(context.Background(), LevelWarn, "let's go!")

	e := mustRecv(t, sub)
	if e.Level != "WARN" || e.Message() != "let's go!" {
		t.Errorf("Unexpected event %+v", e)
	}
}

func TestActiveSpanFinishIdempotent(t *testing.T) {
	tracer, sub := newTestTracer(clockz.NewFakeClockAt(epoch))
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), LevelInfo, "once")
	span.Finish()
	span.Finish()
	span.Enter()
	span.Exit()
	span.Record(String("late", "x"))

	if !span.Finished() {
		t.Error("Expected span to be finished")
	}
	mustRecv(t, sub)
	expectNothing(t, sub)
}

func TestTracerFinishedParentIsNotReused(t *testing.T) {
	tracer, sub := newTestTracer(clockz.NewFakeClockAt(epoch))
	defer tracer.Close()

	ctx, parent := tracer.StartSpan(context.Background(), LevelInfo, "parent")
	parent.Finish()
	mustRecv(t, sub)

	// The parent's ID is recycled; a stale context must not attach to the new holder.
	_, other := tracer.StartSpan(context.Background(), LevelInfo, "other")
	_, child := tracer.StartSpan(ctx, LevelInfo, "child")
	child.Finish()
	other.Finish()

	first := mustRecv(t, sub)
	second := mustRecv(t, sub)
	if first.Name != "child" || second.Name != "other" || len(second.Children) != 0 {
		t.Errorf("Expected independent roots child and other, got %s and %s(%d children)",
			first.Name, second.Name, len(second.Children))
	}
}

// gatedClock blocks the first Now call after arm until release.
type gatedClock struct {
	clockz.Clock
	armed   chan struct{}
	entered chan struct{}
	gate    chan struct{}
}

func newGatedClock(clock clockz.Clock) *gatedClock {
	return &gatedClock{
		Clock:   clock,
		armed:   make(chan struct{}, 1),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (c *gatedClock) arm()     { c.armed <- struct{}{} }
func (c *gatedClock) release() { close(c.gate) }

func (c *gatedClock) Now() time.Time {
	select {
	case <-c.armed:
		close(c.entered)
		<-c.gate
	default:
	}
	return c.Clock.Now()
}

func TestTracerParentCannotFinishDuringChildCreate(t *testing.T) {
	clock := newGatedClock(clockz.NewFakeClockAt(epoch))
	tracer, sub := newTestTracer(clock)
	defer tracer.Close()

	ctx, parent := tracer.StartSpan(context.Background(), LevelInfo, "parent")

	clock.arm()
	created := make(chan *ActiveSpan)
	go func() {
		_, child := tracer.StartSpan(ctx, LevelInfo, "child")
		created <- child
	}()
	<-clock.entered

	// The child is being created under parent; parent must not finish and
	// give its ID away until the child is linked.
	finished := make(chan struct{})
	go func() {
		parent.Finish()
		close(finished)
	}()
	select {
	case <-finished:
		t.Fatal("Expected parent Finish to wait for the child create in flight")
	case <-time.After(20 * time.Millisecond):
	}

	clock.release()
	child := <-created
	<-finished

	// The recycled parent ID goes to an unrelated root.
	_, other := tracer.StartSpan(context.Background(), LevelInfo, "other")
	other.Finish()
	child.Finish()

	tree := mustRecv(t, sub)
	if tree.Name != "parent" || len(tree.Children) != 1 || tree.Children[0].Name != "child" {
		t.Fatalf("Expected parent with child, got %s with %d children", tree.Name, len(tree.Children))
	}
	if next := mustRecv(t, sub); next.Name != "other" || len(next.Children) != 0 {
		t.Errorf("Expected childless other, got %s with %d children", next.Name, len(next.Children))
	}
	expectNothing(t, sub)
}

func TestTracerDroppedTrees(t *testing.T) {
	ch := NewBroadcaster(4)
	tracer := New(NewAggregator(ch))
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), LevelInfo, "nobody-listens")
	span.Finish()
	tracer.Event(context.Background(), LevelInfo, "nobody-listens")

	if tracer.DroppedTrees() != 2 {
		t.Errorf("Expected 2 dropped trees, got %d", tracer.DroppedTrees())
	}
}

func TestTracerConcurrentRoots(t *testing.T) {
	tracer, sub := newTestTracer(clockz.RealClock)
	defer tracer.Close()

	const roots = 32
	var wg sync.WaitGroup
	for i := 0; i < roots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, root := tracer.StartSpan(context.Background(), LevelInfo, "root")
			root.Do(func() {
				for j := 0; j < 3; j++ {
					_, c := tracer.StartSpan(ctx, LevelDebug, "child")
					c.Do(func() {})
					c.Finish()
				}
			})
			root.Finish()
		}()
	}
	wg.Wait()

	for i := 0; i < roots; i++ {
		tree := mustRecv(t, sub)
		if tree.Size() != 4 {
			t.Errorf("Expected 4 nodes per tree, got %d", tree.Size())
		}
	}
	if _, err := sub.TryRecv(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Expected no extra trees, got %v", err)
	}
	if tracer.Aggregator().Resident() != 0 {
		t.Errorf("Expected empty registry, got %d", tracer.Aggregator().Resident())
	}
}
