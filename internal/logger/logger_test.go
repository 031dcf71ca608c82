package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInit(t *testing.T) {
	err := Init(Config{Level: "warn", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to initialize logger: %v", err)
	}

	if GetLogger().GetLevel() != zerolog.WarnLevel {
		t.Errorf("Expected warn level, got %v", GetLogger().GetLevel())
	}
}

func TestDebugOverridesLevel(t *testing.T) {
	l, err := New(Config{Level: "error", Debug: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if l.GetLevel() != zerolog.DebugLevel {
		t.Errorf("Expected debug level, got %v", l.GetLevel())
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{Output: "syslog"}); err == nil {
		t.Error("Expected error for unknown output")
	}

	if err := Init(Config{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestWithComponent(t *testing.T) {
	componentLogger := WithComponent("test-component")

	if componentLogger.GetLevel() == zerolog.Disabled {
		t.Error("Component logger should not be disabled")
	}
}

func TestNewTestLogger(t *testing.T) {
	if NewTestLogger().GetLevel() != zerolog.Disabled {
		t.Error("Test logger should be disabled")
	}
}
