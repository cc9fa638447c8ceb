package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors exposed by the interceptor. Each
// Registry owns its own prometheus.Registry rather than registering into the
// global DefaultRegisterer, so that building more than one Registry in the
// same process (as the test suite does) never panics on duplicate
// registration.
type Registry struct {
	reg *prometheus.Registry

	Connections gaugeVec
	Messages    counterVec
	Intercept   interceptVec
	Breaker     breakerVec
	Emitter     emitterVec
}

type gaugeVec struct {
	ActiveConnections prometheus.Gauge
}

type counterVec struct {
	AcceptErrors prometheus.Counter
}

type interceptVec struct {
	RequestsTotal *prometheus.CounterVec
	RiskScore     prometheus.Histogram
}

type breakerVec struct {
	State         prometheus.Gauge
	FailuresTotal prometheus.Counter
}

type emitterVec struct {
	Connected         prometheus.Gauge
	StreamLength      prometheus.Gauge
	DroppedTotal      prometheus.Counter
	ReconnectAttempts prometheus.Counter
}

// NewRegistry creates Prometheus metrics collectors for the interceptor,
// registered into a private registry owned by this Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	return &Registry{
		reg: reg,

		Connections: gaugeVec{
			ActiveConnections: fac.NewGauge(prometheus.GaugeOpts{
				Name: "cis_connections_active",
				Help: "Number of active intercept transport connections",
			}),
		},
		Messages: counterVec{
			AcceptErrors: fac.NewCounter(prometheus.CounterOpts{
				Name: "cis_accept_errors_total",
				Help: "Total number of transport accept/handshake errors",
			}),
		},
		Intercept: interceptVec{
			RequestsTotal: fac.NewCounterVec(prometheus.CounterOpts{
				Name: "cis_intercept_requests_total",
				Help: "Total number of intercept requests, labeled by resulting action",
			}, []string{"action"}),
			RiskScore: fac.NewHistogram(prometheus.HistogramOpts{
				Name:    "cis_intercept_risk_score",
				Help:    "Distribution of computed risk scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			}),
		},
		Breaker: breakerVec{
			State: fac.NewGauge(prometheus.GaugeOpts{
				Name: "cis_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open",
			}),
			FailuresTotal: fac.NewCounter(prometheus.CounterOpts{
				Name: "cis_breaker_failures_total",
				Help: "Total number of consecutive-failure increments recorded by the breaker",
			}),
		},
		Emitter: emitterVec{
			Connected: fac.NewGauge(prometheus.GaugeOpts{
				Name: "cis_emitter_connected",
				Help: "Whether the event emitter is currently connected to the log backend (1) or not (0)",
			}),
			StreamLength: fac.NewGauge(prometheus.GaugeOpts{
				Name: "cis_emitter_stream_length",
				Help: "Last observed length of the cis:messages stream",
			}),
			DroppedTotal: fac.NewCounter(prometheus.CounterOpts{
				Name: "cis_emitter_dropped_total",
				Help: "Total number of events dropped by the emitter (disconnected, append failure, or queue overflow)",
			}),
			ReconnectAttempts: fac.NewCounter(prometheus.CounterOpts{
				Name: "cis_emitter_reconnect_attempts_total",
				Help: "Total number of reconnect attempts made by the emitter",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing this Registry's Prometheus
// metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
