// Package telemetry is the ambient metrics/observability seam: it
// records lifecycle counters the way original_source/proxy_server.py's
// Prometheus instrumentation does, and exposes a narrow EventSink the
// Agent Link calls into without depending on Prometheus itself.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns every Prometheus collector the service exposes. Mount
// promhttp.Handler() (or an equivalent) at /metrics to scrape it; the
// core never talks to a scraper directly, only to Recorder's methods.
type Recorder struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	agentConnected  prometheus.Gauge
	errorsTotal     *prometheus.CounterVec
	reconnects      prometheus.Counter
}

// NewRecorder registers all collectors against reg (pass
// prometheus.NewRegistry() for isolation in tests, or
// prometheus.DefaultRegisterer in production).
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenabridge_requests_total",
			Help: "Chat completion requests by model and terminal status.",
		}, []string{"model", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arenabridge_request_duration_seconds",
			Help:    "Request duration from admission to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. 204.8s
		}, []string{"model"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arenabridge_active_requests",
			Help: "Requests currently admitted and not yet terminal.",
		}),
		agentConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arenabridge_agent_connected",
			Help: "1 if a browser agent is currently connected, else 0.",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenabridge_errors_total",
			Help: "Errors by kind and model.",
		}, []string{"kind", "model"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "arenabridge_agent_reconnects_total",
			Help: "Number of times a browser agent has reconnected.",
		}),
	}
}

func (r *Recorder) RequestAdmitted() { r.activeRequests.Inc() }

func (r *Recorder) RequestFinished(model, status string, durationSeconds float64) {
	r.activeRequests.Dec()
	r.requestsTotal.WithLabelValues(model, status).Inc()
	r.requestDuration.WithLabelValues(model).Observe(durationSeconds)
}

func (r *Recorder) ErrorObserved(kind, model string) {
	r.errorsTotal.WithLabelValues(kind, model).Inc()
}

// AgentConnected implements agentlink.EventSink.
func (r *Recorder) AgentConnected() { r.agentConnected.Set(1) }

// AgentDisconnected implements agentlink.EventSink.
func (r *Recorder) AgentDisconnected() { r.agentConnected.Set(0) }

// RequestsRestored implements agentlink.EventSink; reconnection itself
// is what we count, not the restored-request tally.
func (r *Recorder) RequestsRestored(count int) { r.reconnects.Inc() }
