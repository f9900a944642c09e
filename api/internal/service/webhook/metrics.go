package webhook

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/prebuildd/pkg/metrics"
)

var (
	metricsOnce sync.Once
	eventsTotal *prometheus.CounterVec
)

// recordEvent counts a finished delivery. The prebuild status wins over the
// event status when set since it says what happened to the push.
func recordEvent(host, status, prebuildStatus string) {
	metricsOnce.Do(func() {
		eventsTotal = metrics.Counter("", "webhook_events_total", "Webhook deliveries by host and final status", "host", "status")
	})
	label := status
	if prebuildStatus != "" {
		label = prebuildStatus
	}
	eventsTotal.WithLabelValues(host, label).Inc()
}
