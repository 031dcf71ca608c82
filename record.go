package treez

import (
	"time"

	"fortio.org/safecast"
)

// slot is the registry-internal key of a record. Slots are never reused, so a
// child reference stays valid even after the framework recycles the span ID.
type slot uint64

type childKind uint8

const (
	childSpan  childKind = iota + 1 // reference to a resident record
	childEvent                      // inlined, already resolved event
)

// child is one ordered child of a span record.
//
//nolint:govet // Field order optimized for readability
type child struct {
	event Entry
	ref   slot
	kind  childKind
}

// spanRecord is the mutable, registry-owned state of one span.
//
//nolint:govet // Field order optimized for readability
type spanRecord struct {
	stamp       time.Time
	activeSince time.Time
	fields      map[string]string
	children    []child
	name        string
	file        string
	took        time.Duration
	id          ID
	parent      slot
	depth       int
	line        uint32
	level       Level
	closed      bool
}

func newRecord(id ID, meta Metadata, fields []Field, now time.Time) *spanRecord {
	r := &spanRecord{
		id:    id,
		stamp: now,
		level: meta.Level,
		name:  meta.Name,
		file:  meta.File,
		line:  meta.Line,
	}
	r.record(fields)
	return r
}

// record merges fields, last write wins.
func (r *spanRecord) record(fields []Field) {
	if len(fields) == 0 {
		return
	}
	if r.fields == nil {
		r.fields = make(map[string]string, len(fields))
	}
	for _, f := range fields {
		r.fields[f.Key] = f.Value
	}
}

// enter marks the span active. Nested enters only deepen the nesting; the
// active interval runs from the outermost enter to its matching exit.
func (r *spanRecord) enter(now time.Time) {
	if r.depth == 0 {
		r.activeSince = now
	}
	r.depth++
}

// exit closes one level of nesting and accumulates the interval once the
// outermost enter is matched. Exits without an enter are ignored.
func (r *spanRecord) exit(now time.Time) {
	if r.depth == 0 {
		return
	}
	r.depth--
	if r.depth > 0 {
		return
	}
	if elapsed := now.Sub(r.activeSince); elapsed > 0 {
		r.took += elapsed
	}
	r.activeSince = time.Time{}
}

// toEntry copies the scalar state into an Entry without children.
func (r *spanRecord) toEntry() Entry {
	e := Entry{
		Stamp: micros(r.stamp.UnixMicro()),
		Level: r.level.String(),
		Name:  r.name,
		File:  r.file,
		Line:  r.line,
		Took:  micros(r.took.Microseconds()),
	}
	if len(r.fields) > 0 {
		e.Fields = make(map[string]string, len(r.fields))
		for k, v := range r.fields {
			e.Fields[k] = v
		}
	}
	return e
}

// micros converts a signed microsecond count, clamping negatives to zero.
func micros(v int64) uint64 {
	u, err := safecast.Conv[uint64](v)
	if err != nil {
		return 0
	}
	return u
}
