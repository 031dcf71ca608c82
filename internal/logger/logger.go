// Package logger configures the process-wide zerolog logger of the treez binary.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLogger zerolog.Logger

// Config selects the level and destination of log output.
type Config struct {
	Level      string `toml:"level"`
	Debug      bool   `toml:"debug"`
	Output     string `toml:"output"` // stdout, stderr or console
	TimeFormat string `toml:"time_format"`
}

// DefaultConfig logs info and above as JSON on stderr, keeping stdout for trees.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: "stderr",
	}
}

func init() {
	globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339
}

// New builds a logger from config without touching the global one.
func New(config Config) (zerolog.Logger, error) {
	var output io.Writer

	switch config.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	case "console":
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log output %q (expected: stdout|stderr|console)", config.Output)
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return zerolog.Nop(), err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger(), nil
}

// Init replaces the global logger.
func Init(config Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}

	globalLogger = l
	log.Logger = globalLogger

	return nil
}

func GetLogger() zerolog.Logger {
	return globalLogger
}

func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

// NewTestLogger creates a no-op logger for testing that discards all output
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
