package reliability

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix prefixes every variable read by the reliability suite.
const envPrefix = "TREEZ_RELIABILITY_"

// Levels accepted in TREEZ_RELIABILITY_LEVEL. Anything else skips the suite.
const (
	levelBasic  = "basic"
	levelStress = "stress"
)

// reliabilityConfig sizes the reliability runs.
type reliabilityConfig struct {
	Level         string
	Duration      time.Duration // How long stress loops keep producing.
	MaxGoroutines int           // Producers in concurrent runs.
}

// getReliabilityConfig reads the suite configuration from the environment.
// Malformed or non-positive values fall back to the defaults.
func getReliabilityConfig() reliabilityConfig {
	return reliabilityConfig{
		Level:         normalizeLevel(os.Getenv(envPrefix + "LEVEL")),
		Duration:      envDuration("DURATION", 10*time.Second),
		MaxGoroutines: envInt("MAX_GOROUTINES", 100),
	}
}

func normalizeLevel(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case levelBasic, levelStress:
		return s
	default:
		return ""
	}
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(envPrefix + key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(envPrefix + key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
