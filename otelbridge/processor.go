// Package otelbridge connects OpenTelemetry to treez.
//
// Processor is an sdktrace.SpanProcessor that drives a treez.Aggregator from
// the spans of a TracerProvider, so code instrumented with the OpenTelemetry
// API produces treez trees:
//
//	ch := treez.NewBroadcaster(64)
//	tp := sdktrace.NewTracerProvider(
//		sdktrace.WithSpanProcessor(otelbridge.NewProcessor(treez.NewAggregator(ch))),
//	)
//
// GaugeMonitor exports the number of resident spans as an OpenTelemetry gauge.
package otelbridge

import (
	"context"
	"encoding/binary"

	"fortio.org/safecast"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/treez"
)

// Attribute keys read for the source location of a span.
const (
	FilepathKey = attribute.Key("code.filepath")
	LinenoKey   = attribute.Key("code.lineno")
)

// Field keys recorded from the span status.
const (
	StatusCodeKey        = "otel.status_code"
	StatusDescriptionKey = "otel.status_description"
)

// ExceptionEvent is the event name OpenTelemetry uses for recorded errors.
const ExceptionEvent = "exception"

// Processor feeds span lifecycles into an Aggregator. A span is created and
// entered when it starts, and exited and closed when it ends, so its took is
// the time between the two as seen by the aggregator clock.
//
// Only parents started by the same TracerProvider are linked; spans with a
// remote parent become roots. Attributes set after start, span events and the
// status are applied when the span ends. A child that ends after its root's
// tree was published only closes: its end-time attributes, events and status
// are dropped rather than published as stray roots.
type Processor struct {
	agg    *treez.Aggregator
	logger zerolog.Logger
	level  treez.Level
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLevel sets the level of spans and of their events; treez.LevelInfo by default.
// Exception events are always treez.LevelError.
func WithLevel(level treez.Level) ProcessorOption {
	return func(p *Processor) {
		p.level = level
	}
}

// WithLogger sets the logger used to report dropped trees.
func WithLogger(logger zerolog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger.With().Str("component", "treez.otelbridge").Logger()
	}
}

// NewProcessor creates a processor driving agg.
func NewProcessor(agg *treez.Aggregator, opts ...ProcessorOption) *Processor {
	p := &Processor{
		agg:    agg,
		logger: zerolog.Nop(),
		level:  treez.LevelInfo,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// OnStart implements sdktrace.SpanProcessor.
func (p *Processor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	id := SpanID(s.SpanContext().SpanID())

	var parent treez.ID
	if ps := s.Parent(); ps.IsValid() && !ps.IsRemote() {
		parent = SpanID(ps.SpanID())
	}

	meta := treez.Metadata{Name: s.Name(), Level: p.level}
	attrs := s.Attributes()
	meta.File, meta.Line = location(attrs)

	if err := p.agg.OnSpanCreate(id, treez.Attributes{
		Metadata: meta,
		Fields:   fields(attrs),
		Parent:   parent,
	}); err != nil {
		p.dropped(err, s.Name())
	}
	p.agg.OnEnter(id)
}

// OnEnd implements sdktrace.SpanProcessor.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	id := SpanID(s.SpanContext().SpanID())

	if !p.agg.Contains(id) {
		p.logger.Debug().
			Str("name", s.Name()).
			Int("events", len(s.Events())).
			Msg("span ended after its tree was published, end data dropped")
		return
	}

	p.agg.OnRecord(id, fields(s.Attributes())...)
	if st := s.Status(); st.Code != codes.Unset {
		p.agg.OnRecord(id, treez.String(StatusCodeKey, st.Code.String()))
		if st.Description != "" {
			p.agg.OnRecord(id, treez.String(StatusDescriptionKey, st.Description))
		}
	}

	for _, ev := range s.Events() {
		level := p.level
		if ev.Name == ExceptionEvent {
			level = treez.LevelError
		}
		p.agg.AttachEvent(treez.Attributes{
			Metadata: treez.Metadata{Name: ev.Name, Level: level},
			Fields:   fields(ev.Attributes),
			Parent:   id,
		})
	}

	p.agg.OnExit(id)
	if err := p.agg.OnClose(id); err != nil {
		p.dropped(err, s.Name())
	}
}

// Shutdown implements sdktrace.SpanProcessor. Nothing is buffered.
func (p *Processor) Shutdown(context.Context) error {
	return nil
}

// ForceFlush implements sdktrace.SpanProcessor. Nothing is buffered.
func (p *Processor) ForceFlush(context.Context) error {
	return nil
}

func (p *Processor) dropped(err error, name string) {
	p.logger.Debug().Err(err).Str("name", name).Msg("trace tree dropped")
}

// SpanID converts an OpenTelemetry span ID into a treez ID.
func SpanID(id trace.SpanID) treez.ID {
	return treez.ID(binary.BigEndian.Uint64(id[:]))
}

func fields(attrs []attribute.KeyValue) []treez.Field {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]treez.Field, 0, len(attrs))
	for _, kv := range attrs {
		if kv.Key == FilepathKey || kv.Key == LinenoKey {
			continue
		}
		out = append(out, treez.String(string(kv.Key), kv.Value.Emit()))
	}
	return out
}

func location(attrs []attribute.KeyValue) (string, uint32) {
	var file string
	var line uint32
	for _, kv := range attrs {
		switch kv.Key {
		case FilepathKey:
			file = kv.Value.AsString()
		case LinenoKey:
			if n, err := safecast.Conv[uint32](kv.Value.AsInt64()); err == nil {
				line = n
			}
		}
	}
	return file, line
}
