// Package treez aggregates span lifecycle notifications into trace trees.
//
// treez listens to a flat stream of span notifications (create, enter,
// exit, close) and events, and incrementally assembles them into a tree per
// root unit of work. When a root span closes, its whole subtree is drained
// from the live registry and published as an immutable Entry to every
// subscriber of a Broadcaster.
//
// Core Components:
//   - Aggregator: Lifecycle handlers and root extraction.
//   - Broadcaster: Bounded, drop-on-overflow fan-out of completed trees.
//   - Monitor: Observer of the number of resident spans after every close.
//   - Tracer: Context-based front end that drives an Aggregator.
//   - Collector, Dispatcher: Consumers of a Subscription.
//
// Basic Usage:
//
//	ch := treez.NewBroadcaster(16)
//	sub := ch.Subscribe()
//	defer sub.Close()
//
//	tracer := treez.New(treez.NewAggregator(ch))
//	defer tracer.Close()
//
//	ctx, span := tracer.StartSpan(ctx, treez.LevelInfo, "handle-request")
//	span.Do(func() {
//		tracer.Event(ctx, treez.LevelInfo, "hello", treez.String("user", "42"))
//	})
//	span.Finish()
//
//	entry, err := sub.Recv(ctx)
//
// Thread Safety:
//
// Aggregator, Broadcaster, Tracer and ActiveSpan are safe for concurrent use.
// A Subscription must be received from by one goroutine at a time.
//
// Memory Management:
//
// Closed child spans stay in the registry until their root closes; the root
// close reclaims the whole subtree at once. A child whose parent is no longer
// open when it is created becomes a root of its own, so nothing is stranded.
package treez

import (
	"errors"
	"fmt"
	"time"
)

// ID identifies a span among the currently open spans.
// The zero ID means "no span".
type ID uint64

// MessageKey is the field key holding the primary human-readable text of an event.
const MessageKey = "message"

// Field is a single structured attribute of a span or event.
type Field struct {
	Key   string
	Value string
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: fmt.Sprintf("%d", value)}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: fmt.Sprintf("%t", value)}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Any formats an arbitrary value with %v.
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: fmt.Sprintf("%v", value)}
}

// Err creates an "error" field. A nil error yields an empty value.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Metadata describes where and at which level a span or event was produced.
type Metadata struct {
	Name  string
	File  string
	Level Level
	Line  uint32
}

// Attributes carries everything known about a span or event when it is created.
//
//nolint:govet // Field order follows the notification layout
type Attributes struct {
	Metadata
	Fields []Field
	Parent ID
}

var (
	// ErrNoConsumers is returned when a snapshot is published while nobody is subscribed.
	// The snapshot is dropped; callers decide whether that matters.
	ErrNoConsumers = errors.New("treez: no active consumers")

	// ErrClosed is returned by a closed Broadcaster or Subscription.
	ErrClosed = errors.New("treez: channel closed")

	// ErrEmpty is returned by TryRecv when nothing is pending.
	ErrEmpty = errors.New("treez: channel empty")
)

// LaggedError reports that a subscriber fell behind and missed entries.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("treez: subscriber lagged, missed %d entries", e.Missed)
}
