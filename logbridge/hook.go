// Package logbridge turns zerolog log lines into treez events.
//
// A Hook installed on a zerolog.Logger emits every log line as an event of
// the span found in the event's context:
//
//	logger := zerolog.New(os.Stderr).Hook(logbridge.NewHook(tracer))
//	logger.Info().Ctx(ctx).Msg("cache miss")
//
// Lines logged without a span in their context are published as single-node
// trees.
package logbridge

import (
	"github.com/rs/zerolog"

	"github.com/zoobzio/treez"
)

// Hook is a zerolog.Hook forwarding log lines to a treez.Tracer.
type Hook struct {
	tracer *treez.Tracer
	name   string
	fields []treez.Field
	min    zerolog.Level
}

// Option configures a Hook.
type Option func(*Hook)

// WithMinLevel drops log lines below level.
func WithMinLevel(level zerolog.Level) Option {
	return func(h *Hook) {
		h.min = level
	}
}

// WithName sets the event name; treez.EventName by default.
func WithName(name string) Option {
	return func(h *Hook) {
		h.name = name
	}
}

// WithFields attaches fields to every forwarded event.
func WithFields(fields ...treez.Field) Option {
	return func(h *Hook) {
		h.fields = append(h.fields, fields...)
	}
}

// NewHook creates a hook emitting on tracer.
func NewHook(tracer *treez.Tracer, opts ...Option) *Hook {
	h := &Hook{
		tracer: tracer,
		name:   treez.EventName,
		min:    zerolog.TraceLevel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run implements zerolog.Hook.
func (h *Hook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level == zerolog.Disabled || (level != zerolog.NoLevel && level < h.min) {
		return
	}

	fields := make([]treez.Field, 0, len(h.fields)+1)
	fields = append(fields, h.fields...)
	if message != "" {
		fields = append(fields, treez.String(treez.MessageKey, message))
	}

	h.tracer.Emit(e.GetCtx(), treez.Metadata{Name: h.name, Level: Level(level)}, fields...)
}

// Level maps a zerolog level onto a treez level. Fatal and panic map to
// error; lines logged without a level map to info.
func Level(level zerolog.Level) treez.Level {
	switch level {
	case zerolog.TraceLevel:
		return treez.LevelTrace
	case zerolog.DebugLevel:
		return treez.LevelDebug
	case zerolog.WarnLevel:
		return treez.LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return treez.LevelError
	default:
		return treez.LevelInfo
	}
}
