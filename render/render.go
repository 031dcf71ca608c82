// Package render prints treez snapshots as indented text trees for terminals.
//
// Each node is one line:
//
//	09:30:00.000  INFO     2ms foobar                              main.go:10
//	09:30:00.000 DEBUG     1ms  ├─ more [x:3]
//	09:30:00.000  WARN          └─ [user:42] hi
//
// Span names are cyan, event messages italic, and the source location is
// right-aligned to the output width.
package render

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/zoobzio/treez"
)

// DefaultWidth is used when the output width cannot be detected.
const DefaultWidth = 80

const timeLayout = "15:04:05.000"

// Options configures a Renderer.
type Options struct {
	// Location for timestamps; nil means time.Local.
	Location *time.Location
	// Width of a line in cells; 0 detects the terminal width of stdout.
	Width int
	// Color enables ANSI styling.
	Color bool
}

// Renderer writes entry trees as text.
// Safe for concurrent use; concurrent writes to one writer through Handler are serialized.
type Renderer struct {
	loc     *time.Location
	name    *color.Color
	message *color.Color
	mu      sync.Mutex
	width   int
}

// New creates a renderer.
func New(opts Options) *Renderer {
	r := &Renderer{
		loc:     opts.Location,
		width:   opts.Width,
		name:    color.New(color.FgCyan),
		message: color.New(color.Italic),
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.width <= 0 {
		r.width = TerminalWidth(os.Stdout)
	}
	if opts.Color {
		r.name.EnableColor()
		r.message.EnableColor()
	} else {
		r.name.DisableColor()
		r.message.DisableColor()
	}
	return r
}

// TerminalWidth returns the width of f when it is a terminal, DefaultWidth otherwise.
func TerminalWidth(f *os.File) int {
	fd := int(f.Fd()) //nolint:gosec // file descriptors fit in int
	if !term.IsTerminal(fd) {
		return DefaultWidth
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return DefaultWidth
	}
	return w
}

// Write renders e and all of its descendants to w.
func (r *Renderer) Write(w io.Writer, e *treez.Entry) error {
	var b strings.Builder
	r.writeEntry(&b, e, 0, false)
	_, err := io.WriteString(w, b.String())
	return err
}

// String renders e to a string.
func (r *Renderer) String(e *treez.Entry) string {
	var b strings.Builder
	r.writeEntry(&b, e, 0, false)
	return b.String()
}

// Handler returns a treez.Handler that renders every tree to w.
// Write errors are reported to onErr when it is non-nil.
func (r *Renderer) Handler(w io.Writer, onErr func(error)) treez.Handler {
	return func(e treez.Entry) {
		r.mu.Lock()
		err := r.Write(w, &e)
		r.mu.Unlock()
		if err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func (r *Renderer) writeEntry(b *strings.Builder, e *treez.Entry, depth int, last bool) {
	took := ""
	if e.Took > 0 {
		took = fmt.Sprintf("%dms", e.Took/1000)
	}

	prefix := ""
	if depth > 0 {
		glyph := " ├─ "
		if last {
			glyph = " └─ "
		}
		prefix = strings.Repeat("    ", depth-1) + glyph
	}

	head := fmt.Sprintf("%s %5s %7s %s", e.Time().In(r.loc).Format(timeLayout), e.Level, took, prefix)
	plain, styled := r.describe(e)

	loc := e.File
	if e.Line > 0 {
		loc += fmt.Sprintf(":%d", e.Line)
	}

	b.WriteString(head)
	b.WriteString(styled)
	if loc != "" {
		used := runewidth.StringWidth(head) + runewidth.StringWidth(plain) + runewidth.StringWidth(loc)
		if pad := r.width - used; pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(loc)
	}
	b.WriteByte('\n')

	for i := range e.Children {
		r.writeEntry(b, &e.Children[i], depth+1, i == len(e.Children)-1)
	}
}

// describe returns the name, fields and message of e, without and with styling.
// The name is shown for spans: nodes that were active or carry no message.
func (r *Renderer) describe(e *treez.Entry) (string, string) {
	var plain, styled []string

	msg, hasMsg := e.Fields[treez.MessageKey]
	if e.Took > 0 || !hasMsg {
		plain = append(plain, e.Name)
		styled = append(styled, r.name.Sprint(e.Name))
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if k != treez.MessageKey {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + ":" + e.Fields[k]
		}
		fields := "[" + strings.Join(pairs, " ") + "]"
		plain = append(plain, fields)
		styled = append(styled, fields)
	}

	if hasMsg {
		plain = append(plain, msg)
		styled = append(styled, r.message.Sprint(msg))
	}

	return strings.Join(plain, " "), strings.Join(styled, " ")
}
