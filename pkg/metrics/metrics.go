// Package metrics holds the Prometheus collectors shared by the API and the
// builder.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every prebuildd metric.
const Namespace = "prebuildd"

var httpBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Register registers c with the default registry. If an equivalent
// collector is already registered, that one is returned instead so repeated
// construction in tests shares series.
func Register[T prometheus.Collector](c T) T {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}

// Counter registers a counter vector under Namespace.
func Counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels))
}

// HTTP records request counts and latency per route.
type HTTP struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewHTTP registers the request collectors of one service.
func NewHTTP(subsystem string) *HTTP {
	return &HTTP{
		requests: Counter(subsystem, "http_requests_total", "Count of processed HTTP requests", "method", "route", "status"),
		latency: Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"})),
	}
}

// Observe records one finished request. A nil receiver records nothing.
func (h *HTTP) Observe(method, route string, status int, d time.Duration) {
	if h == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	h.requests.With(labels).Inc()
	h.latency.With(labels).Observe(d.Seconds())
}
