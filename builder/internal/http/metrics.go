package httpx

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/prebuildd/pkg/metrics"
)

type builderMetrics struct {
	http    *metrics.HTTP
	results *prometheus.CounterVec
}

var (
	builderMetricsOnce sync.Once
	sharedMetrics      *builderMetrics
)

func newBuilderMetrics() *builderMetrics {
	builderMetricsOnce.Do(func() {
		sharedMetrics = &builderMetrics{
			http:    metrics.NewHTTP("builder"),
			results: metrics.Counter("builder", "workspace_results_total", "Number of workspace start and stop results", "result"),
		}
	})
	return sharedMetrics
}

// instrument wraps a handler so its status and latency are recorded under
// the route template rather than the concrete path.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(rec, req)
		r.metrics.http.Observe(req.Method, route, rec.code(), time.Since(start))
	}
}

func (r *Router) recordWorkspaceResult(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.results.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}
