package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/prebuildd/builder/internal/service/runner"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

// Runner is the workspace execution service behind the router.
type Runner interface {
	Start(ctx context.Context, req contract.StartRequest) error
	Stop(ctx context.Context, instanceID, policy string) error
	Running() int
	Health(ctx context.Context) error
}

// Router exposes HTTP endpoints for the builder service.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	runner  Runner
	token   string
	metrics *builderMetrics
}

const (
	healthCheckTimeout = 2 * time.Second
	maxRequestBody     = 1 << 20
)

// New creates and registers handlers. When token is non-empty every
// workspace call must carry it in X-Builder-Token.
func New(logger *slog.Logger, svc Runner, token string) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		runner:  svc,
		token:   strings.TrimSpace(token),
		metrics: newBuilderMetrics(),
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/workspaces", r.instrument("/workspaces", r.authorized(r.handleStart)))
	r.mux.HandleFunc("/workspaces/", r.instrument("/workspaces/{id}", r.authorized(r.handleStop)))
}

func (r *Router) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.token != "" {
			got := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
				r.writeError(w, http.StatusUnauthorized, "invalid builder token")
				return
			}
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if err := r.runner.Health(ctx); err != nil {
		status = "degraded"
		component = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"docker": component,
		},
		"running":   r.runner.Running(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload contract.StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&payload); err != nil {
		r.recordWorkspaceResult("rejected")
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.runner.Start(req.Context(), payload); err != nil {
		switch {
		case errors.Is(err, runner.ErrInvalidRequest):
			r.recordWorkspaceResult("rejected")
			r.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, runner.ErrAlreadyRunning):
			r.recordWorkspaceResult("conflict")
			r.writeError(w, http.StatusConflict, err.Error())
		default:
			r.recordWorkspaceResult("failure")
			r.logger.Error("workspace start failed", "instance_id", payload.InstanceID, "error", err)
			r.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	r.recordWorkspaceResult("accepted")
	r.writeJSON(w, http.StatusAccepted, map[string]string{
		"instance_id": payload.InstanceID,
		"status":      contract.PhasePreparing,
	})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	instanceID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/workspaces/"), "/")
	if instanceID == "" || strings.Contains(instanceID, "/") {
		r.writeError(w, http.StatusBadRequest, "instance id required")
		return
	}
	policy := stopPolicy(req.URL.Query().Get("policy"))
	if err := r.runner.Stop(req.Context(), instanceID, policy); err != nil {
		if errors.Is(err, runner.ErrNotFound) {
			r.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordWorkspaceResult("stopped")
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": contract.PhaseStopping})
}

// stopPolicy maps the query value to a runner policy; "graceful" and
// unknown values stop normally.
func stopPolicy(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), contract.StopPolicyAbort) {
		return contract.StopPolicyAbort
	}
	return contract.StopPolicyNormal
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
