package httpx

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/prebuildd/pkg/metrics"
)

// routerMetrics groups the collectors the API router writes to.
type routerMetrics struct {
	http          *metrics.HTTP
	rateLimitHits *prometheus.CounterVec
	runtimeCalls  *prometheus.CounterVec
}

var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *routerMetrics
)

func newRouterMetrics() *routerMetrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = &routerMetrics{
			http:          metrics.NewHTTP("api"),
			rateLimitHits: metrics.Counter("api", "rate_limit_hits_total", "Number of rate-limited responses", "rule", "key"),
			runtimeCalls:  metrics.Counter("api", "runtime_callbacks_total", "Runner callbacks by kind and result", "kind", "result"),
		}
	})
	return sharedMetrics
}

func (m *routerMetrics) rateLimited(rule, keyKind string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(rule, keyKind).Inc()
}

func (m *routerMetrics) runtimeCallback(kind, result string) {
	if m == nil {
		return
	}
	m.runtimeCalls.WithLabelValues(kind, result).Inc()
}
