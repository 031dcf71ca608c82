package render

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/treez"
)

var stamp = uint64(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC).UnixMicro())

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func sampleTree() treez.Entry {
	return treez.Entry{
		Stamp: stamp,
		Level: "INFO",
		Name:  "foobar",
		File:  "main.go",
		Line:  10,
		Took:  2000,
		Children: []treez.Entry{
			{Stamp: stamp, Level: "DEBUG", Name: "more", Took: 1500, Fields: map[string]string{"x": "3"}},
			{Stamp: stamp, Level: "WARN", Name: treez.EventName, Fields: map[string]string{
				treez.MessageKey: "hi",
				"user":           "42",
			}},
		},
	}
}

func plainRenderer() *Renderer {
	return New(Options{Width: 80, Location: time.UTC})
}

func TestRendererLines(t *testing.T) {
	tree := sampleTree()
	lines := strings.Split(strings.TrimSuffix(plainRenderer().String(&tree), "\n"), "\n")
	require.Len(t, lines, 3)

	assert.True(t, strings.HasPrefix(lines[0], "09:30:00.000  INFO     2ms foobar "), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "main.go:10"), lines[0])
	assert.Equal(t, 80, runewidth.StringWidth(lines[0]))

	assert.Equal(t, "09:30:00.000 DEBUG     1ms  ├─ more [x:3]", lines[1])
	assert.Equal(t, "09:30:00.000  WARN"+strings.Repeat(" ", 10)+"└─ [user:42] hi", lines[2])
}

func TestRendererNestedPrefix(t *testing.T) {
	tree := treez.Entry{
		Stamp: stamp, Level: "INFO", Name: "a",
		Children: []treez.Entry{{
			Stamp: stamp, Level: "INFO", Name: "b",
			Children: []treez.Entry{{Stamp: stamp, Level: "INFO", Name: "c"}},
		}},
	}
	out := plainRenderer().String(&tree)
	assert.Contains(t, out, "     └─ c\n")
	assert.Contains(t, out, " └─ b\n")
}

func TestRendererNarrowWidth(t *testing.T) {
	tree := sampleTree()
	r := New(Options{Width: 10, Location: time.UTC})
	first := strings.SplitN(r.String(&tree), "\n", 2)[0]
	assert.Equal(t, "09:30:00.000  INFO     2ms foobarmain.go:10", first)
}

func TestRendererColor(t *testing.T) {
	tree := sampleTree()
	colored := New(Options{Width: 80, Location: time.UTC, Color: true}).String(&tree)
	plain := plainRenderer().String(&tree)

	assert.Contains(t, colored, "\x1b[")
	assert.NotContains(t, plain, "\x1b[")

	// Styling must not change the alignment of the location column.
	assert.Equal(t, plain, ansi.ReplaceAllString(colored, ""))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRendererHandler(t *testing.T) {
	var buf bytes.Buffer
	handle := plainRenderer().Handler(&buf, nil)
	handle(sampleTree())
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	var got error
	plainRenderer().Handler(failingWriter{}, func(err error) { got = err })(sampleTree())
	assert.EqualError(t, got, "disk full")
}
