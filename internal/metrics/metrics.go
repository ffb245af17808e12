package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvgate_connections_accepted_total",
			Help: "Total number of connections admitted by the limiter.",
		},
	)

	connectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvgate_connections_rejected_total",
			Help: "Total number of connections rejected, by the limit that tripped.",
		},
		[]string{"limit"},
	)

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvgate_connections_active",
			Help: "Number of currently open client connections.",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvgate_requests_total",
			Help: "Total number of requests served, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	storeKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvgate_store_keys",
			Help: "Number of keys currently held in the store.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsAccepted)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(storeKeys)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConnAccepted records an admitted connection.
func ConnAccepted() {
	connectionsAccepted.Inc()
	connectionsActive.Inc()
}

// ConnRejected records a rejected connection attempt. The limit label must
// be one of the fixed values "per_addr" or "total" to keep cardinality flat.
func ConnRejected(limit string) {
	connectionsRejected.WithLabelValues(limit).Inc()
}

// ConnReleased records a connection giving its admission slot back.
func ConnReleased() {
	connectionsActive.Dec()
}

// Request records one served request. op must come from the fixed protocol
// op set (unrecognized client ops are reported as "unknown" by the caller).
func Request(op, outcome string) {
	requestsTotal.WithLabelValues(op, outcome).Inc()
}

// StoreKeys updates the store size gauge.
func StoreKeys(n int) {
	storeKeys.Set(float64(n))
}
