package treez

import (
	"context"
	"sync"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "treez"
)

// contextBundle holds both tracer and span to reduce context allocations.
type contextBundle struct {
	tracer *Tracer
	span   *ActiveSpan
}

// ActiveSpan is the handle of an open span.
// Safe for concurrent use by multiple goroutines.
type ActiveSpan struct {
	tracer   *Tracer
	name     string
	id       ID
	mu       sync.Mutex // Serializes lifecycle notifications for this span.
	finished bool
}

// Enter marks the span as executing. Pair every Enter with an Exit.
// No-op once the span is finished.
func (s *ActiveSpan) Enter() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.tracer.agg.OnEnter(s.id)
}

// Exit marks the span as no longer executing.
// No-op once the span is finished.
func (s *ActiveSpan) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.tracer.agg.OnExit(s.id)
}

// Do runs fn with the span entered.
func (s *ActiveSpan) Do(fn func()) {
	s.Enter()
	defer s.Exit()
	fn()
}

// Record attaches fields to the span, last write wins.
// No-op once the span is finished.
func (s *ActiveSpan) Record(fields ...Field) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.tracer.agg.OnRecord(s.id, fields...)
}

// Finish closes the span. Closing a root publishes its whole tree.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *ActiveSpan) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prevent double-finishing.
	if s.finished {
		return
	}
	s.finished = true

	if err := s.tracer.agg.OnClose(s.id); err != nil {
		s.tracer.dropped(err, s.name)
	}
	s.tracer.ids.Put(s.id)
}

// ID returns the span ID. The ID may be reused after Finish.
func (s *ActiveSpan) ID() ID {
	return s.id
}

// Name returns the span name.
func (s *ActiveSpan) Name() string {
	return s.name
}

// Finished reports whether Finish has been called.
func (s *ActiveSpan) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Context creates a new context with this span embedded.
// The returned context can be used to start child spans and events.
func (s *ActiveSpan) Context(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	bundle := &contextBundle{tracer: s.tracer, span: s}
	return context.WithValue(parent, bundleKey, bundle)
}

// hold calls fn with the span ID, or zero once the span is finished, while
// keeping Finish from running.
func (s *ActiveSpan) hold(fn func(id ID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		fn(0)
		return
	}
	fn(s.id)
}

// SpanFromContext extracts the current span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	if ctx == nil {
		return nil
	}

	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return bundle.span
	}

	return nil
}
