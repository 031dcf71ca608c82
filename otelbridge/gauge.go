package otelbridge

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zoobzio/treez"
)

// ResidentMetric is the name of the resident span gauge.
const ResidentMetric = "treez.registry.resident"

// GaugeMonitor is a treez.Monitor recording the number of resident spans on
// an OpenTelemetry Int64Gauge.
type GaugeMonitor struct {
	gauge metric.Int64Gauge
	attrs metric.MeasurementOption
}

var _ treez.Monitor = (*GaugeMonitor)(nil)

// NewGaugeMonitor registers the resident span gauge on meter. attrs are added
// to every measurement.
func NewGaugeMonitor(meter metric.Meter, attrs ...attribute.KeyValue) (*GaugeMonitor, error) {
	gauge, err := meter.Int64Gauge(ResidentMetric,
		metric.WithDescription("Spans held by the treez registry after the last close"),
		metric.WithUnit("{span}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gauge: %w", ResidentMetric, err)
	}
	return &GaugeMonitor{
		gauge: gauge,
		attrs: metric.WithAttributes(attrs...),
	}, nil
}

// Notify implements treez.Monitor.
func (m *GaugeMonitor) Notify(resident int) {
	m.gauge.Record(context.Background(), int64(resident), m.attrs)
}
