package httpx

import (
	"net/http"

	contract "github.com/splax/prebuildd/pkg/runtime"
)

// handleRuntimeStatus applies a workspace instance status report from the builder.
func (r *Router) handleRuntimeStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var report contract.StatusReport
	if !decodeJSON(w, req, &report) {
		return
	}
	if err := r.prebuilds.ApplyStatus(req.Context(), report); err != nil {
		r.metrics.runtimeCallback("status", "error")
		r.writeServiceError(w, req, err)
		return
	}
	r.metrics.runtimeCallback("status", report.Phase)
	w.WriteHeader(http.StatusNoContent)
}

// handleRuntimeLogs stores a batch of task output lines from the builder.
func (r *Router) handleRuntimeLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var lines []contract.LogLine
	if !decodeJSON(w, req, &lines) {
		return
	}
	if len(lines) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := r.logs.Append(req.Context(), lines); err != nil {
		r.metrics.runtimeCallback("logs", "error")
		r.writeServiceError(w, req, err)
		return
	}
	r.metrics.runtimeCallback("logs", "stored")
	w.WriteHeader(http.StatusAccepted)
}
