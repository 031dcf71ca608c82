package treez

import (
	"time"
)

// Entry is an immutable, fully resolved snapshot of a span or event and its
// children. Parent linkage is implicit in tree position.
//
// Optional values that are empty are omitted on serialization and decode back
// to their zero value: no file, no line, zero took, nil fields, nil children.
//
//nolint:govet // Field order follows the serialized shape
type Entry struct {
	Stamp    uint64            `json:"stamp" msgpack:"stamp"`
	Level    string            `json:"level" msgpack:"level"`
	Name     string            `json:"name" msgpack:"name"`
	File     string            `json:"file,omitempty" msgpack:"file,omitempty"`
	Line     uint32            `json:"line,omitempty" msgpack:"line,omitempty"`
	Took     uint64            `json:"took,omitempty" msgpack:"took,omitempty"`
	Fields   map[string]string `json:"fields,omitempty" msgpack:"fields,omitempty"`
	Children []Entry           `json:"children,omitempty" msgpack:"children,omitempty"`
}

// Message returns the reserved "message" field.
func (e *Entry) Message() string {
	return e.Fields[MessageKey]
}

// Time returns the creation time.
func (e *Entry) Time() time.Time {
	return time.UnixMicro(int64(e.Stamp)) //nolint:gosec // stamps are produced from non-negative UnixMicro values
}

// Duration returns the accumulated active time.
func (e *Entry) Duration() time.Duration {
	return time.Duration(e.Took) * time.Microsecond //nolint:gosec // took is bounded by process lifetime
}

// Size returns the number of nodes in the tree rooted at e.
func (e *Entry) Size() int {
	n := 1
	for i := range e.Children {
		n += e.Children[i].Size()
	}
	return n
}

// Walk visits e and its descendants depth-first in child order.
// Returning false from fn skips the children of that node.
func (e *Entry) Walk(fn func(entry *Entry, depth int) bool) {
	e.walk(fn, 0)
}

func (e *Entry) walk(fn func(entry *Entry, depth int) bool, depth int) {
	if !fn(e, depth) {
		return
	}
	for i := range e.Children {
		e.Children[i].walk(fn, depth+1)
	}
}

// Clone returns a deep copy that shares nothing with e.
func (e *Entry) Clone() Entry {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	if e.Children != nil {
		c.Children = make([]Entry, len(e.Children))
		for i := range e.Children {
			c.Children[i] = e.Children[i].Clone()
		}
	}
	return c
}
