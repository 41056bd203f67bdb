package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures definition lifecycle counters.
type Metrics interface {
	IncLifecycleOp(op, status string)
	IncUndeployBlocked(definition string)
	IncChangeQueries(kind string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncLifecycleOp(string, string) {}
func (Noop) IncUndeployBlocked(string)     {}
func (Noop) IncChangeQueries(string)       {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	lifecycleOps    *prometheus.CounterVec
	undeployBlocked *prometheus.CounterVec
	changeQueries   *prometheus.CounterVec
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		lifecycleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_ops_total",
			Help:      "Definition lifecycle operations by op and status",
		}, []string{"op", "status"}),
		undeployBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undeploy_blocked_total",
			Help:      "Undeploys blocked by a parent process link per definition",
		}, []string{"definition"}),
		changeQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_queries_total",
			Help:      "Version change history queries by kind",
		}, []string{"kind"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.lifecycleOps, p.undeployBlocked, p.changeQueries)
	})
}

func (p *Prom) IncLifecycleOp(op, status string) {
	p.lifecycleOps.WithLabelValues(op, status).Inc()
}

func (p *Prom) IncUndeployBlocked(definition string) {
	p.undeployBlocked.WithLabelValues(definition).Inc()
}

func (p *Prom) IncChangeQueries(kind string) {
	p.changeQueries.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
