package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LockMetrics counts lock engine outcomes.
type LockMetrics interface {
	IncAcquired(outcome string)
	IncConflict()
	IncReclaimed()
	IncReleased(kind string)
}

// HubMetrics tracks the notification hub.
type HubMetrics interface {
	SetConnections(n int)
	IncDelivered()
	IncDropped()
	IncRejected(reason string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncAcquired(string) {}
func (Noop) IncConflict()       {}
func (Noop) IncReclaimed()      {}
func (Noop) IncReleased(string) {}
func (Noop) SetConnections(int) {}
func (Noop) IncDelivered()      {}
func (Noop) IncDropped()        {}
func (Noop) IncRejected(string) {}

func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements LockMetrics and HubMetrics backed by Prometheus collectors.
type Prom struct {
	acquired    *prometheus.CounterVec
	conflicts   prometheus.Counter
	reclaimed   prometheus.Counter
	released    *prometheus.CounterVec
	connections prometheus.Gauge
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	rejected    *prometheus.CounterVec
	once        sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_acquired_total",
			Help:      "Successful lock acquisitions by outcome",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Acquire attempts blocked by a live lock",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_reclaimed_total",
			Help:      "Expired locks lazily reclaimed",
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_released_total",
			Help:      "Lock releases by kind",
		}, []string{"kind"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Live websocket connections",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_delivered_total",
			Help:      "Events enqueued for delivery to connections",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_dropped_total",
			Help:      "Events dropped for slow or closed connections",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_rejected_total",
			Help:      "Inbound messages rejected by reason",
		}, []string{"reason"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.acquired, p.conflicts, p.reclaimed, p.released,
			p.connections, p.delivered, p.dropped, p.rejected,
		)
	})
}

func (p *Prom) IncAcquired(outcome string) { p.acquired.WithLabelValues(outcome).Inc() }
func (p *Prom) IncConflict()               { p.conflicts.Inc() }
func (p *Prom) IncReclaimed()              { p.reclaimed.Inc() }
func (p *Prom) IncReleased(kind string)    { p.released.WithLabelValues(kind).Inc() }
func (p *Prom) SetConnections(n int)       { p.connections.Set(float64(n)) }
func (p *Prom) IncDelivered()              { p.delivered.Inc() }
func (p *Prom) IncDropped()                { p.dropped.Inc() }
func (p *Prom) IncRejected(reason string)  { p.rejected.WithLabelValues(reason).Inc() }

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

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
