// Package metrics holds the Prometheus instrumentation shared by the API
// server and the parse workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the platform.
type Metrics struct {
	// Parse pipeline
	QueueDepth    prometheus.Gauge
	QueuePending  prometheus.Gauge
	ParseTotal    *prometheus.CounterVec
	ParseDuration prometheus.Histogram

	// Viewport serving
	ViewportRequests *prometheus.CounterVec
	ViewportDuration prometheus.Histogram
	ViewportPoints   prometheus.Histogram

	// Agent runs
	AgentRuns      *prometheus.CounterVec
	AgentTokens    prometheus.Histogram
	AgentLLMCalls  *prometheus.CounterVec
	EventsPersists prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parse_queue_depth",
			Help: "Total entries in the file parsing stream",
		}),
		QueuePending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parse_queue_pending",
			Help: "Delivered but unacknowledged parse messages",
		}),
		ParseTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parse_files_total",
				Help: "Parsed files by outcome",
			},
			[]string{"status"}, // status: parsed, error, missing
		),
		ParseDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "parse_duration_seconds",
			Help:    "Wall time to parse and persist one file",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		ViewportRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewport_requests_total",
				Help: "Viewport requests by file storage format",
			},
			[]string{"format"}, // format: binary, json
		),
		ViewportDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewport_duration_seconds",
			Help:    "Time to slice and resample one viewport request",
			Buckets: prometheus.DefBuckets,
		}),
		ViewportPoints: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewport_returned_points",
			Help:    "Points returned per viewport response",
			Buckets: prometheus.ExponentialBuckets(100, 4, 8),
		}),

		AgentRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_total",
				Help: "Auto-detection runs by final status",
			},
			[]string{"status"}, // status: completed, failed, cancelled
		),
		AgentTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_run_tokens",
			Help:    "Cumulative LLM tokens consumed per run",
			Buckets: prometheus.ExponentialBuckets(10000, 2, 10),
		}),
		AgentLLMCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_llm_calls_total",
				Help: "LLM chat completions by node",
			},
			[]string{"node"}, // node: planner, identifier, validator, chat
		),
		EventsPersists: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_events_persisted_total",
			Help: "Labels written by event persistence",
		}),
	}
}

// ObserveQueue updates the queue gauges from one stats sample.
func (m *Metrics) ObserveQueue(depth, pending int64) {
	m.QueueDepth.Set(float64(depth))
	m.QueuePending.Set(float64(pending))
}

// RecordParse records one worker parse outcome.
func (m *Metrics) RecordParse(status string, seconds float64) {
	m.ParseTotal.WithLabelValues(status).Inc()
	if status == "parsed" {
		m.ParseDuration.Observe(seconds)
	}
}

// RecordViewport records one viewport response.
func (m *Metrics) RecordViewport(format string, points int, seconds float64) {
	m.ViewportRequests.WithLabelValues(format).Inc()
	m.ViewportDuration.Observe(seconds)
	m.ViewportPoints.Observe(float64(points))
}
