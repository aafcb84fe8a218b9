package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AgentMetrics captures upstream agent-service interactions.
type AgentMetrics interface {
	ObserveUpstreamCall(op, outcome string, durationSeconds float64)
	IncEndpointResolved(candidate string)
	IncThreadFallback()
	IncPollOutcome(outcome string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements AgentMetrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) ObserveUpstreamCall(string, string, float64)    {}
func (Noop) IncEndpointResolved(string)                     {}
func (Noop) IncThreadFallback()                             {}
func (Noop) IncPollOutcome(string)                          {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements AgentMetrics backed by Prometheus collectors.
type Prom struct {
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	resolved        *prometheus.CounterVec
	threadFallbacks prometheus.Counter
	pollOutcomes    *prometheus.CounterVec
}

func NewProm(namespace string) *Prom {
	return &Prom{
		upstreamCalls: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Agent service calls by operation and outcome",
		}, []string{"op", "outcome"})),
		upstreamLatency: registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Agent service call latency by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"})),
		resolved: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_resolved_total",
			Help:      "Agent start candidates that succeeded",
		}, []string{"candidate"})),
		threadFallbacks: registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_fallbacks_total",
			Help:      "Jobs started with a synthesized thread id",
		})),
		pollOutcomes: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_outcomes_total",
			Help:      "Status polling loops by final outcome",
		}, []string{"outcome"})),
	}
}

func (p *Prom) ObserveUpstreamCall(op, outcome string, durationSeconds float64) {
	p.upstreamCalls.WithLabelValues(op, outcome).Inc()
	p.upstreamLatency.WithLabelValues(op).Observe(durationSeconds)
}

func (p *Prom) IncEndpointResolved(candidate string) {
	p.resolved.WithLabelValues(candidate).Inc()
}

func (p *Prom) IncThreadFallback() {
	p.threadFallbacks.Inc()
}

func (p *Prom) IncPollOutcome(outcome string) {
	p.pollOutcomes.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	return &gatewayProm{
		requests: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"})),
		latency: registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"})),
	}
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// register* reuse an identical collector when one is already registered so
// constructors can run more than once per process.

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if existing, ok := register(c).(*prometheus.CounterVec); ok {
		return existing
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if existing, ok := register(h).(*prometheus.HistogramVec); ok {
		return existing
	}
	return h
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if existing, ok := register(c).(prometheus.Counter); ok {
		return existing
	}
	return c
}

func register(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.DefaultRegisterer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
