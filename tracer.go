package treez

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// EventName is the name given to events emitted through a Tracer.
const EventName = "event"

// Tracer is a context-based front end for an Aggregator: the current span of
// a context is the parent of every span or event started from it.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	agg          *Aggregator
	ids          *IDPool
	logger       zerolog.Logger
	droppedTrees atomic.Uint64
}

// New creates a tracer driving agg.
func New(agg *Aggregator) *Tracer {
	return &Tracer{
		agg:    agg,
		ids:    NewIDPool(runtime.NumCPU() * 64),
		logger: zerolog.Nop(),
	}
}

// WithLogger returns the tracer after setting the logger used to report
// dropped trees.
func (t *Tracer) WithLogger(logger zerolog.Logger) *Tracer {
	t.logger = logger.With().Str("component", "treez.tracer").Logger()
	return t
}

// Aggregator returns the aggregator driven by the tracer.
func (t *Tracer) Aggregator() *Aggregator {
	return t.agg
}

// StartSpan creates a new span and returns a context carrying it.
// If the context contains an open span of this tracer, the new span is its
// child. The caller's file and line are recorded.
func (t *Tracer) StartSpan(ctx context.Context, level Level, name string, fields ...Field) (context.Context, *ActiveSpan) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	meta := Metadata{Name: name, Level: level}
	meta.File, meta.Line = caller(2)

	span := &ActiveSpan{
		tracer: t,
		id:     t.ids.Get(),
		name:   name,
	}

	t.withParent(ctx, func(parent ID) {
		if err := t.agg.OnSpanCreate(span.id, Attributes{
			Metadata: meta,
			Fields:   fields,
			Parent:   parent,
		}); err != nil {
			t.dropped(err, name)
		}
	})

	bundle := &contextBundle{tracer: t, span: span}
	return context.WithValue(ctx, bundleKey, bundle), span
}

// Event records an event with the given message inside the current span of
// ctx, or publishes it on its own when there is none.
func (t *Tracer) Event(ctx context.Context, level Level, message string, fields ...Field) {
	meta := Metadata{Name: EventName, Level: level}
	meta.File, meta.Line = caller(2)

	all := make([]Field, 0, len(fields)+1)
	all = append(all, fields...)
	all = append(all, Field{Key: MessageKey, Value: message})

	t.Emit(ctx, meta, all...)
}

// Emit records an event with explicit metadata. Bridges that know their own
// source location use it instead of Event.
func (t *Tracer) Emit(ctx context.Context, meta Metadata, fields ...Field) {
	t.withParent(ctx, func(parent ID) {
		if err := t.agg.OnEvent(Attributes{
			Metadata: meta,
			Fields:   fields,
			Parent:   parent,
		}); err != nil {
			t.dropped(err, meta.Name)
		}
	})
}

// DroppedTrees returns the number of trees that could not be published.
func (t *Tracer) DroppedTrees() uint64 {
	return t.droppedTrees.Load()
}

// Close stops recycling span IDs.
func (t *Tracer) Close() {
	t.ids.Close()
}

// withParent calls fn with the ID of the current open span of ctx, or zero.
// The span cannot finish while fn runs, so its ID is not recycled to another
// span before fn has linked to it.
func (t *Tracer) withParent(ctx context.Context, fn func(parent ID)) {
	if ctx == nil {
		fn(0)
		return
	}
	bundle, ok := ctx.Value(bundleKey).(*contextBundle)
	if !ok || bundle.tracer != t {
		fn(0)
		return
	}
	bundle.span.hold(fn)
}

func (t *Tracer) dropped(err error, name string) {
	t.droppedTrees.Add(1)
	t.logger.Debug().Err(err).Str("name", name).Msg("trace tree dropped")
}

// caller returns the file and line skip frames above its caller.
func caller(skip int) (string, uint32) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || line < 0 {
		return "", 0
	}
	return file, uint32(line) //nolint:gosec // line numbers are non-negative
}
