package consumer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yjpa7145/cumulus/metric"
)

// Metrics holds the ingest and dispatch counters for the consumer
// pipeline.
type Metrics struct {
	records          *prometheus.CounterVec
	invalidRecords   prometheus.Counter
	fallbackRecords  prometheus.Counter
	terminalFailures prometheus.Counter
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the consumer metrics.
func NewMetrics(registry *metric.Registry) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "consumer",
			Name:      "records_total",
			Help:      "Inbound records by origin.",
		}, []string{"origin"}),
		invalidRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "consumer",
			Name:      "invalid_records_total",
			Help:      "Records rejected by decoding or schema validation.",
		}),
		fallbackRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "consumer",
			Name:      "fallback_records_total",
			Help:      "Failed records republished to the fallback subject.",
		}),
		terminalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "consumer",
			Name:      "terminal_failures_total",
			Help:      "Records that failed after fallback delivery.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "consumer",
			Name:      "dispatches_total",
			Help:      "Workflow dispatch attempts by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "consumer",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from template resolution to queue submission.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
	}
	if registry != nil {
		registry.MustRegister("consumer", map[string]prometheus.Collector{
			"records_total":             m.records,
			"invalid_records_total":     m.invalidRecords,
			"fallback_records_total":    m.fallbackRecords,
			"terminal_failures_total":   m.terminalFailures,
			"dispatches_total":          m.dispatches,
			"dispatch_duration_seconds": m.dispatchDuration,
		})
	}
	return m
}
