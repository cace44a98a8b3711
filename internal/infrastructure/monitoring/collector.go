package monitoring

import (
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MeshCollector records mesh session metrics on the registry it was built with.
type MeshCollector struct {
	// Connections
	connectionsActive prometheus.Gauge
	linksOpened       *prometheus.CounterVec
	linksClosed       prometheus.Counter

	// Control plane
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec

	// Rendezvous
	heartbeatFailures  prometheus.Counter
	rendezvousLatency  *prometheus.HistogramVec
	rendezvousFailures *prometheus.CounterVec
}

// NewMeshCollector registers the collector on reg. A nil reg uses the
// default registerer.
func NewMeshCollector(reg prometheus.Registerer) *MeshCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &MeshCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partymesh_connections_active",
			Help: "Number of open peer connections",
		}),

		linksOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partymesh_links_opened_total",
			Help: "Total number of peer connections opened",
		}, []string{"direction"}),

		linksClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "partymesh_links_closed_total",
			Help: "Total number of peer connections closed",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partymesh_messages_received_total",
			Help: "Control messages received by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partymesh_messages_dropped_total",
			Help: "Control messages dropped by reason",
		}, []string{"reason"}),

		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "partymesh_heartbeat_failures_total",
			Help: "Total number of failed rendezvous heartbeats",
		}),

		rendezvousLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "partymesh_rendezvous_request_duration_seconds",
			Help:    "Duration of rendezvous calls",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),

		rendezvousFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partymesh_rendezvous_failures_total",
			Help: "Failed rendezvous calls by operation",
		}, []string{"op"}),
	}
}

func (c *MeshCollector) ConnectionOpened(direction domain.ConnectionDirection) {
	c.connectionsActive.Inc()
	c.linksOpened.WithLabelValues(string(direction)).Inc()
}

func (c *MeshCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
	c.linksClosed.Inc()
}

func (c *MeshCollector) MessageReceived(kind string) {
	c.messagesReceived.WithLabelValues(kind).Inc()
}

func (c *MeshCollector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

func (c *MeshCollector) HeartbeatFailed() {
	c.heartbeatFailures.Inc()
}

func (c *MeshCollector) RendezvousCall(op string, d time.Duration, err error) {
	c.rendezvousLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		c.rendezvousFailures.WithLabelValues(op).Inc()
	}
}

var _ ports.MeshMetrics = (*MeshCollector)(nil)
