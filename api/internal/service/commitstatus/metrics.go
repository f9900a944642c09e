package commitstatus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/prebuildd/pkg/metrics"
)

var (
	metricsOnce   sync.Once
	resolvedTotal *prometheus.CounterVec
)

func recordResolved(state string) {
	metricsOnce.Do(func() {
		resolvedTotal = metrics.Counter("", "commit_statuses_resolved_total", "Commit statuses closed with a final state", "state")
	})
	resolvedTotal.WithLabelValues(state).Inc()
}
