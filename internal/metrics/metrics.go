// Package metrics exposes Prometheus instrumentation for tool dispatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copilot_mcp"

// Metrics records call outcomes. It implements dispatch.Observer.
type Metrics struct {
	reg      *prometheus.Registry
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	depth    prometheus.Histogram
	inFlight prometheus.Gauge
}

// New creates collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome (ok or error kind).",
		}, []string{"tool", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency including nested calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		depth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_depth",
			Help:      "Depth of each call in its chain.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_calls_in_flight",
			Help:      "Calls currently validating or executing.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Transition implements dispatch.Observer.
func (m *Metrics) Transition(_ *dispatch.Frame, from, to dispatch.State) {
	switch {
	case from == dispatch.StateReceived && to == dispatch.StateValidating:
		m.inFlight.Inc()
	case from != dispatch.StateReceived && (to == dispatch.StateCompleted || to == dispatch.StateFailed):
		m.inFlight.Dec()
	}
}

// Finished implements dispatch.Observer.
func (m *Metrics) Finished(f *dispatch.Frame, res dispatch.CallResult, elapsed time.Duration) {
	tool := f.Request.Tool
	outcome := "ok"
	if res.Err != nil {
		outcome = string(res.Err.Kind)
		if res.Err.Kind == dispatch.KindUnknownTool {
			tool = "unknown"
		}
	}

	m.calls.WithLabelValues(tool, outcome).Inc()
	m.duration.WithLabelValues(tool).Observe(elapsed.Seconds())
	m.depth.Observe(float64(f.Depth))
}
