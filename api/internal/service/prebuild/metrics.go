package prebuild

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/prebuildd/pkg/metrics"
)

// Start outcomes recorded by StartPrebuild.
const (
	outcomeStarted      = "started"
	outcomeDeduplicated = "deduplicated"
	outcomeIncremental  = "incremental_reuse"
	outcomeRateLimited  = "rate_limited"
	outcomeInactive     = "inactive"
	outcomeStartFailed  = "start_failed"
)

var (
	metricsOnce      sync.Once
	startedTotal     *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		startedTotal = metrics.Counter("", "prebuilds_started_total", "Outcomes of prebuild start requests", "outcome")
		transitionsTotal = metrics.Counter("", "prebuild_state_transitions_total", "Prebuild state changes by target state", "state")
	})
}

func recordStart(outcome string) {
	initMetrics()
	startedTotal.WithLabelValues(outcome).Inc()
}

func recordTransition(state string) {
	initMetrics()
	transitionsTotal.WithLabelValues(state).Inc()
}
