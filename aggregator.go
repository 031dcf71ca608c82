package treez

import (
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// Aggregator turns flat lifecycle notifications into trace trees.
// All handlers are synchronous and safe for concurrent use by multiple
// goroutines. Unknown IDs are ignored; handlers never panic.
//
//nolint:govet // Field order optimized for functionality over memory
type Aggregator struct {
	registry *registry
	channel  *Broadcaster
	monitor  Monitor
	clock    clockz.Clock
	logger   zerolog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for stamps and durations.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

// WithMonitor sets the liveness monitor notified after every close.
func WithMonitor(m Monitor) Option {
	return func(a *Aggregator) {
		a.monitor = m
	}
}

// WithLogger sets the logger used for notification anomalies.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger.With().Str("component", "treez.aggregator").Logger()
	}
}

// NewAggregator creates an aggregator publishing completed trees on ch.
// Uses the real clock and a disabled logger unless configured otherwise.
func NewAggregator(ch *Broadcaster, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry: newRegistry(),
		channel:  ch,
		clock:    clockz.RealClock,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnSpanCreate registers a new span under id. If attrs.Parent is resident,
// including a closed child not yet reclaimed with its root, the span is
// appended to the parent's children; otherwise it is a root.
// Reusing an ID that is still open closes the previous holder first, which
// may publish its tree; the only error is the publish error of that tree.
func (a *Aggregator) OnSpanCreate(id ID, attrs Attributes) error {
	if id == 0 {
		a.logger.Trace().Str("name", attrs.Name).Msg("span created with zero id, ignored")
		return nil
	}

	rec := newRecord(id, attrs.Metadata, attrs.Fields, a.clock.Now())
	res := a.registry.create(id, rec, attrs.Parent)

	if res.orphaned {
		a.logger.Trace().
			Uint64("span_id", uint64(id)).
			Uint64("parent_id", uint64(attrs.Parent)).
			Msg("parent not resident, span promoted to root")
	}
	if res.hasDisplace {
		a.logger.Debug().Uint64("span_id", uint64(id)).Msg("open span id reused, previous span closed")
		return a.publish(res.displaced)
	}
	return nil
}

// OnRecord merges fields into an open span, last write wins.
func (a *Aggregator) OnRecord(id ID, fields ...Field) {
	if !a.registry.record(id, fields) {
		a.unknown("record", id)
	}
}

// OnEvent records an instantaneous event. Inside a resident parent it becomes
// the parent's next child; without one it is published immediately as a
// single-node tree and never enters the registry.
func (a *Aggregator) OnEvent(attrs Attributes) error {
	rec := newRecord(0, attrs.Metadata, attrs.Fields, a.clock.Now())
	ev := rec.toEntry()

	if attrs.Parent != 0 {
		if a.registry.attach(attrs.Parent, ev) {
			return nil
		}
		a.logger.Trace().
			Uint64("parent_id", uint64(attrs.Parent)).
			Msg("event parent not resident, publishing as root")
	}
	return a.publish(ev)
}

// AttachEvent records an event only as a child of the resident span
// attrs.Parent and reports whether it was attached. Unlike OnEvent it never
// publishes, so bridges replaying events after the fact cannot turn them into
// stray roots once the parent's tree is gone.
func (a *Aggregator) AttachEvent(attrs Attributes) bool {
	if attrs.Parent == 0 {
		return false
	}
	rec := newRecord(0, attrs.Metadata, attrs.Fields, a.clock.Now())
	return a.registry.attach(attrs.Parent, rec.toEntry())
}

// Contains reports whether a record created under id is still resident.
func (a *Aggregator) Contains(id ID) bool {
	return a.registry.contains(id)
}

// OnEnter marks a span active. Nested enters are folded into the outermost
// active interval.
func (a *Aggregator) OnEnter(id ID) {
	if !a.registry.enter(id, a.clock.Now()) {
		a.unknown("enter", id)
	}
}

// OnExit ends one enter. When the outermost enter is matched, the active
// interval is added to the span's duration.
func (a *Aggregator) OnExit(id ID) {
	if !a.registry.exit(id, a.clock.Now()) {
		a.unknown("exit", id)
	}
}

// OnClose closes a span. Closing a root extracts and publishes its whole
// subtree; closing a child only marks it closed, it is reclaimed with its
// root. The monitor is notified with the resident count either way.
func (a *Aggregator) OnClose(id ID) error {
	res := a.registry.close(id)
	if !res.found {
		a.unknown("close", id)
		return nil
	}

	var err error
	if res.root {
		err = a.publish(res.tree)
	}
	if a.monitor != nil {
		a.monitor.Notify(res.resident)
	}
	return err
}

// Resident returns the number of span records not yet reclaimed.
func (a *Aggregator) Resident() int {
	return a.registry.len()
}

// Open returns the number of spans that have not been closed.
func (a *Aggregator) Open() int {
	return a.registry.openLen()
}

func (a *Aggregator) publish(e Entry) error {
	_, err := a.channel.Send(e)
	if err != nil {
		a.logger.Debug().Err(err).Str("name", e.Name).Int("nodes", e.Size()).Msg("snapshot dropped")
	}
	return err
}

func (a *Aggregator) unknown(op string, id ID) {
	a.logger.Trace().Str("op", op).Uint64("span_id", uint64(id)).Msg("unknown span id, ignored")
}
