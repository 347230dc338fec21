// Package metrics exports Prometheus collectors fed by the event bus. The
// core packages know nothing about Prometheus; this package subscribes as a
// plain observer and translates events into counters and histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manifoldmcp/manifold/internal/events"
)

// Collector owns the metric vectors and implements events.Observer.
type Collector struct {
	registry *prometheus.Registry

	poolMax             *prometheus.GaugeVec
	connectionsReleased *prometheus.CounterVec
	connectionHold      *prometheus.HistogramVec
	rateLimitHits       *prometheus.CounterVec
	adaptiveAdjustments *prometheus.CounterVec
	cleanupReaped       *prometheus.CounterVec
}

// NewCollector builds the collector and registers every vector on a fresh
// registry, keeping the process-global default registry untouched.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		poolMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "manifold_pool_max_connections",
			Help: "Configured maximum connections per backend",
		}, []string{"backend"}),

		connectionsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_connections_released_total",
			Help: "Total connection releases by outcome",
		}, []string{"backend", "success"}),

		connectionHold: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "manifold_connection_hold_seconds",
			Help:    "Time a connection was held before release",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"backend"}),

		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_rate_limit_hits_total",
			Help: "Total rate limiter rejections by gate",
		}, []string{"gate"}),

		adaptiveAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_adaptive_adjustments_total",
			Help: "Total adaptive throttling limit changes by direction",
		}, []string{"direction"}),

		cleanupReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_cleanup_reaped_total",
			Help: "Total entries removed by periodic cleanup by kind",
		}, []string{"kind"}),
	}

	c.registry.MustRegister(
		c.poolMax,
		c.connectionsReleased,
		c.connectionHold,
		c.rateLimitHits,
		c.adaptiveAdjustments,
		c.cleanupReaped,
	)
	return c
}

// Notify translates one event into metric updates. Implements
// events.Observer.
func (c *Collector) Notify(e events.Event) {
	switch ev := e.(type) {
	case events.PoolInitialized:
		c.poolMax.WithLabelValues(ev.Backend).Set(float64(ev.MaxConnections))
	case events.ConnectionReleased:
		c.connectionsReleased.WithLabelValues(ev.Backend, boolLabel(ev.Success)).Inc()
		c.connectionHold.WithLabelValues(ev.Backend).Observe(ev.Latency.Seconds())
	case events.RateLimitHit:
		c.rateLimitHits.WithLabelValues(ev.Gate).Inc()
	case events.AdaptiveAdjustment:
		c.adaptiveAdjustments.WithLabelValues(ev.Direction).Inc()
	case events.CleanupCompleted:
		c.cleanupReaped.WithLabelValues("idle_connections").Add(float64(ev.IdleDiscarded))
		c.cleanupReaped.WithLabelValues("queue_waiters").Add(float64(ev.QueueExpired))
		c.cleanupReaped.WithLabelValues("sessions").Add(float64(ev.SessionsExpired))
		c.cleanupReaped.WithLabelValues("limiter_keys").Add(float64(ev.KeysReaped))
	}
}

// Handler serves the /metrics scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, used by tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
