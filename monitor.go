package treez

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Monitor observes the number of spans still resident in the registry.
// Notify is called after every close of a resident span, outside the
// registry lock. Implementations must be cheap and must not call back into
// the Aggregator.
type Monitor interface {
	Notify(resident int)
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(resident int)

// Notify calls f.
func (f MonitorFunc) Notify(resident int) {
	f(resident)
}

// CountMonitor remembers the latest and peak resident counts.
// Safe for concurrent use by multiple goroutines.
type CountMonitor struct {
	count atomic.Int64
	peak  atomic.Int64
	calls atomic.Uint64
}

// Notify records the resident count.
func (m *CountMonitor) Notify(resident int) {
	n := int64(resident)
	m.count.Store(n)
	m.calls.Add(1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// SpanCount returns the resident count reported by the latest notification.
func (m *CountMonitor) SpanCount() int {
	return int(m.count.Load())
}

// Peak returns the highest resident count seen.
func (m *CountMonitor) Peak() int {
	return int(m.peak.Load())
}

// Calls returns the number of notifications received.
func (m *CountMonitor) Calls() uint64 {
	return m.calls.Load()
}

// WatermarkMonitor logs a warning each time the resident count rises above
// a threshold, and an info line when it falls back below. A count that stays
// high usually means spans are created but never closed.
type WatermarkMonitor struct {
	logger    zerolog.Logger
	threshold int
	above     atomic.Bool
}

// NewWatermarkMonitor creates a monitor that warns above threshold.
func NewWatermarkMonitor(logger zerolog.Logger, threshold int) *WatermarkMonitor {
	return &WatermarkMonitor{
		logger:    logger.With().Str("component", "treez.monitor").Logger(),
		threshold: threshold,
	}
}

// Notify compares the resident count with the threshold.
func (m *WatermarkMonitor) Notify(resident int) {
	if resident > m.threshold {
		if m.above.CompareAndSwap(false, true) {
			m.logger.Warn().
				Int("resident", resident).
				Int("threshold", m.threshold).
				Msg("resident span count above watermark")
		}
		return
	}
	if m.above.CompareAndSwap(true, false) {
		m.logger.Info().
			Int("resident", resident).
			Int("threshold", m.threshold).
			Msg("resident span count back below watermark")
	}
}

// Above reports whether the last notification was above the threshold.
func (m *WatermarkMonitor) Above() bool {
	return m.above.Load()
}

type multiMonitor struct {
	monitors []Monitor
}

// Monitors combines several monitors into one. Nil monitors are skipped.
func Monitors(monitors ...Monitor) Monitor {
	ms := make([]Monitor, 0, len(monitors))
	for _, m := range monitors {
		if m != nil {
			ms = append(ms, m)
		}
	}
	if len(ms) == 1 {
		return ms[0]
	}
	return &multiMonitor{monitors: ms}
}

func (m *multiMonitor) Notify(resident int) {
	for _, mon := range m.monitors {
		mon.Notify(resident)
	}
}

// lockedMonitor serializes notifications for monitors that are not safe for
// concurrent use.
type lockedMonitor struct {
	m  Monitor
	mu sync.Mutex
}

// Serialized wraps a monitor so that Notify is never called concurrently.
func Serialized(m Monitor) Monitor {
	return &lockedMonitor{m: m}
}

func (l *lockedMonitor) Notify(resident int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m.Notify(resident)
}
