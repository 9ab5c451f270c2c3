// internal/metrics/collector.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics exported by the controller.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	nodeReachable       *prometheus.GaugeVec
	nodeIsPrimary       *prometheus.GaugeVec
	probeDuration       *prometheus.HistogramVec
	lagBytes            *prometheus.GaugeVec
	lagSeconds          *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	splitBrain          *prometheus.GaugeVec
	promotions          *prometheus.CounterVec
	promotionDuration   *prometheus.HistogramVec
	rebuilds            *prometheus.CounterVec
	lockContention      *prometheus.CounterVec
	notifications       *prometheus.CounterVec
}

// NewCollector creates the metrics on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		nodeReachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwarden_node_reachable",
				Help: "1 when the last probe of the node succeeded",
			},
			[]string{"cluster", "node"},
		),
		nodeIsPrimary: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwarden_node_is_primary",
				Help: "1 when the node was observed out of recovery",
			},
			[]string{"cluster", "node"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwarden_probe_duration_seconds",
				Help:    "Node probe latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"cluster", "node"},
		),
		lagBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwarden_replication_lag_bytes",
				Help: "Bytes between the primary write position and the standby replay position",
			},
			[]string{"cluster"},
		),
		lagSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwarden_replication_lag_seconds",
				Help: "Seconds since the standby replayed its last transaction",
			},
			[]string{"cluster"},
		),
		consecutiveFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwarden_primary_consecutive_failures",
				Help: "Consecutive failed probes of the primary",
			},
			[]string{"cluster"},
		),
		splitBrain: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwarden_split_brain",
				Help: "1 while both nodes are out of recovery",
			},
			[]string{"cluster"},
		),
		promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarden_promotions_total",
				Help: "Failover and switchover attempts by outcome",
			},
			[]string{"cluster", "kind", "outcome"},
		),
		promotionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwarden_promotion_duration_seconds",
				Help:    "Wall time of failover and switchover procedures",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"cluster", "kind"},
		),
		rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarden_rebuilds_total",
				Help: "Standby rebuilds by final state",
			},
			[]string{"cluster", "state"},
		),
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarden_lock_contention_total",
				Help: "Procedures that found the promotion lock busy",
			},
			[]string{"cluster"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwarden_notifications_total",
				Help: "Notification deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
	}

	c.registry.MustRegister(
		c.nodeReachable,
		c.nodeIsPrimary,
		c.probeDuration,
		c.lagBytes,
		c.lagSeconds,
		c.consecutiveFailures,
		c.splitBrain,
		c.promotions,
		c.promotionDuration,
		c.rebuilds,
		c.lockContention,
		c.notifications,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveProbe records the outcome of one node probe.
func (c *Collector) ObserveProbe(cluster, node string, reachable, primary bool, latency time.Duration) {
	if c == nil {
		return
	}
	c.nodeReachable.WithLabelValues(cluster, node).Set(boolGauge(reachable))
	c.nodeIsPrimary.WithLabelValues(cluster, node).Set(boolGauge(reachable && primary))
	c.probeDuration.WithLabelValues(cluster, node).Observe(latency.Seconds())
}

// SetLag records the latest lag measurement. Unknown values are left as they were.
func (c *Collector) SetLag(cluster string, bytes uint64, bytesKnown bool, seconds float64, secondsKnown bool) {
	if c == nil {
		return
	}
	if bytesKnown {
		c.lagBytes.WithLabelValues(cluster).Set(float64(bytes))
	}
	if secondsKnown {
		c.lagSeconds.WithLabelValues(cluster).Set(seconds)
	}
}

// SetConsecutiveFailures records the failure detector counter.
func (c *Collector) SetConsecutiveFailures(cluster string, n int) {
	if c == nil {
		return
	}
	c.consecutiveFailures.WithLabelValues(cluster).Set(float64(n))
}

// SetSplitBrain flags or clears a split-brain observation.
func (c *Collector) SetSplitBrain(cluster string, on bool) {
	if c == nil {
		return
	}
	c.splitBrain.WithLabelValues(cluster).Set(boolGauge(on))
}

// ObservePromotion counts a finished failover or switchover.
func (c *Collector) ObservePromotion(cluster, kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.promotions.WithLabelValues(cluster, kind, outcome).Inc()
	c.promotionDuration.WithLabelValues(cluster, kind).Observe(d.Seconds())
}

// ObserveRebuild counts a rebuild that reached a terminal state.
func (c *Collector) ObserveRebuild(cluster, state string) {
	if c == nil {
		return
	}
	c.rebuilds.WithLabelValues(cluster, state).Inc()
}

// IncLockContention counts a busy lock observation.
func (c *Collector) IncLockContention(cluster string) {
	if c == nil {
		return
	}
	c.lockContention.WithLabelValues(cluster).Inc()
}

// ObserveNotification counts one delivery attempt outcome.
func (c *Collector) ObserveNotification(sink string, ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.notifications.WithLabelValues(sink, result).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
