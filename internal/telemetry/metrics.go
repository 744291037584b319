// Package telemetry exports coordinator timings and events to Prometheus
// and traces to an OTLP collector.
package telemetry

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mplp/coordinator/pkg/schema"
)

const namespace = "mplp"

// Metrics records performance samples and coordination events.
type Metrics struct {
	durations *prometheus.HistogramVec
	events    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_milliseconds",
			Help:      "Duration of coordinator operations in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		}, []string{"metric", "stage", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_events_total",
			Help:      "Coordination events emitted, by type and stage.",
		}, []string{"event_type", "stage"}),
	}
	for _, c := range []prometheus.Collector{m.durations, m.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one timing sample. It has the shape of the resolver's and
// orchestrator's performance monitor.
func (m *Metrics) Observe(metric string, durationMs float64, unit string, tags map[string]string) {
	if unit == "s" {
		durationMs *= 1000
	}
	status := tags["status"]
	if status == "" {
		status = tags["success"]
	}
	m.durations.WithLabelValues(metric, tags["stage"], strings.ToLower(status)).Observe(durationMs)
}

// Emit counts a coordination event.
func (m *Metrics) Emit(_ context.Context, event schema.CoordinationEvent) {
	m.events.WithLabelValues(event.EventType, string(event.Stage)).Inc()
}
