// Package metrics defines Prometheus metrics for the connection pools.
// Collectors are registered upfront; pools report into them through Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsKnown tracks every connection owned by a pool.
	ConnectionsKnown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_known",
		Help: "Number of connections owned by the pool",
	}, []string{"pool"})

	// ConnectionsAvailable tracks the connections ready for checkout.
	ConnectionsAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_available",
		Help: "Number of idle connections ready for checkout",
	}, []string{"pool"})

	// ConnectionsCheckedOut tracks the connections lent to callers.
	ConnectionsCheckedOut = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_checked_out",
		Help: "Number of connections currently in use",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured pool size.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// ConnectionsTotal counts pool events by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_connections_total",
		Help: "Total connection operations by outcome",
	}, []string{"pool", "event"})

	// AcquireWaitDuration tracks the time callers spend obtaining a connection.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_acquire_wait_seconds",
		Help:    "Time spent waiting for a connection",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// HealthCheckDuration tracks per-component health probe latency.
	HealthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_health_check_seconds",
		Help:    "Health probe latency per component",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"component", "status"})

	// InstanceUp is 1 while the daemon is serving.
	InstanceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_instance_up",
		Help: "Instance liveness (1 = serving, 0 = shutting down)",
	}, []string{"instance_id"})
)

// Observer reports pool events into the Prometheus collectors.
// It satisfies pool.Observer.
type Observer struct{}

// Gauges refreshes the occupancy gauges for a pool.
func (Observer) Gauges(pool string, known, available, max int) {
	ConnectionsKnown.WithLabelValues(pool).Set(float64(known))
	ConnectionsAvailable.WithLabelValues(pool).Set(float64(available))
	ConnectionsCheckedOut.WithLabelValues(pool).Set(float64(known - available))
	ConnectionsMax.WithLabelValues(pool).Set(float64(max))
}

// Event counts one pool event.
func (Observer) Event(pool, event string) {
	ConnectionsTotal.WithLabelValues(pool, event).Inc()
}

// Waited records acquisition wait time.
func (Observer) Waited(pool string, d time.Duration) {
	AcquireWaitDuration.WithLabelValues(pool).Observe(d.Seconds())
}
