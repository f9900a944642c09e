package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/service/auth"
	"github.com/splax/prebuildd/api/internal/service/authz"
	"github.com/splax/prebuildd/api/internal/service/buildlog"
	"github.com/splax/prebuildd/api/internal/service/prebuild"
	"github.com/splax/prebuildd/api/internal/service/project"
	"github.com/splax/prebuildd/api/internal/service/team"
	"github.com/splax/prebuildd/api/internal/service/webhook"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

// Prebuilds is the prebuild lifecycle as used by the HTTP layer.
type Prebuilds interface {
	StartPrebuild(ctx context.Context, p prebuild.StartParams) (prebuild.StartResult, error)
	ContextForProject(ctx context.Context, user *domain.User, project *domain.Project, branch, revision string) (domain.CommitContext, *domain.CommitInfo, error)
	AbortPrebuildsForBranch(ctx context.Context, project *domain.Project, user *domain.User, branch string) error
	CancelPrebuild(ctx context.Context, prebuildID string) (*domain.Prebuild, error)
	RetriggerPrebuild(ctx context.Context, user *domain.User, project *domain.Project, workspaceID string) (prebuild.StartResult, error)
	ApplyStatus(ctx context.Context, report contract.StatusReport) error
}

// PrebuildReader reads stored prebuilds.
type PrebuildReader interface {
	GetPrebuildByID(ctx context.Context, id string) (*domain.Prebuild, error)
	ListPrebuildsByProject(ctx context.Context, projectID, branch string, limit int) ([]domain.Prebuild, error)
	GetPrebuildInfo(ctx context.Context, prebuildID string) (*domain.PrebuildInfo, error)
}

// ConfigFetcher resolves the workspace configuration of a commit.
type ConfigFetcher interface {
	FetchConfig(ctx context.Context, actor *domain.User, c domain.CommitContext) (domain.WorkspaceConfig, error)
}

// Webhooks ingests deliveries from source hosts.
type Webhooks interface {
	HandleGitHub(ctx context.Context, d webhook.Delivery) webhook.Response
	HandleGitLab(ctx context.Context, d webhook.Delivery) webhook.Response
	HandleBitbucket(ctx context.Context, d webhook.Delivery) webhook.Response
	HandleBitbucketServer(ctx context.Context, d webhook.Delivery) webhook.Response
}

// Deps bundles the services served by the router.
type Deps struct {
	Auth         auth.Service
	Teams        team.Service
	Projects     project.Service
	Authz        authz.Gate
	Prebuilds    Prebuilds
	PrebuildRepo PrebuildReader
	Configs      ConfigFetcher
	Logs         *buildlog.Service
	Webhooks     Webhooks
	Limiter      RateLimiter
	BuilderToken string
	DBHealth     func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         auth.Service
	team         team.Service
	project      project.Service
	authz        authz.Gate
	prebuilds    Prebuilds
	prebuildRepo PrebuildReader
	configs      ConfigFetcher
	logs         *buildlog.Service
	webhooks     Webhooks
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	builderToken string
	dbHealth     func(context.Context) error

	metrics *routerMetrics
}

const (
	healthCheckTimeout = 2 * time.Second
	maxJSONBody        = 1 << 20
	maxWebhookBody     = 25 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		auth:         deps.Auth,
		team:         deps.Teams,
		project:      deps.Projects,
		authz:        deps.Authz,
		prebuilds:    deps.Prebuilds,
		prebuildRepo: deps.PrebuildRepo,
		configs:      deps.Configs,
		logs:         deps.Logs,
		webhooks:     deps.Webhooks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		builderToken: strings.TrimSpace(deps.BuilderToken),
		dbHealth:     deps.DBHealth,
		metrics:      newRouterMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.public("/auth/signup", ruleSignup, r.handleSignup)
	r.public("/auth/login", ruleLogin, r.handleLogin)
	r.public("/auth/refresh", ruleLogin, r.handleRefresh)
	r.public("/apps/{host}", ruleWebhook, r.handleWebhook)

	r.private("/tokens", ruleUserWrite, r.handleTokens)
	r.private("/identities", ruleUserWrite, r.handleIdentities)
	r.private("/teams", ruleUserWrite, r.handleTeams)
	r.private("/teams/{id}", ruleUserWrite, r.handleTeamSubroutes)
	r.private("/projects", ruleUserWrite, r.handleProjects)
	r.private("/projects/{id}", ruleUserRead, r.handleProjectSubroutes)
	r.private("/prebuilds/{id}", ruleUserRead, r.handlePrebuildSubroutes)
	r.private("/ws/prebuilds", ruleRealtime, r.handlePrebuildsWS)

	// Runner callbacks authenticate with the builder token and are not limited.
	r.mux.HandleFunc("/runtime/status", r.audit("/runtime/status", r.handleRuntimeStatus))
	r.mux.HandleFunc("/runtime/logs", r.audit("/runtime/logs", r.handleRuntimeLogs))
}

// public mounts an unauthenticated route. route is the metrics label; a
// trailing "{...}" segment mounts the subtree.
func (r *Router) public(route string, rule rateRule, h http.HandlerFunc) {
	r.mux.HandleFunc(mountPattern(route), r.audit(route, r.limit(rule, h)))
}

// private mounts a route that requires a bearer token.
func (r *Router) private(route string, rule rateRule, h http.HandlerFunc) {
	r.mux.HandleFunc(mountPattern(route), r.audit(route, r.requireAuth(r.limit(rule, h))))
}

func mountPattern(route string) string {
	if idx := strings.Index(route, "{"); idx >= 0 {
		return route[:idx]
	}
	return route
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit logs every request and records request metrics under route.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.http.Observe(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/runtime/") {
			actor = "builder"
		} else if strings.HasPrefix(req.URL.Path, "/apps/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// verifyBuilderToken ensures runner callbacks include the configured secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.builderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("builder_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}

// currentUser returns the authenticated user placed in the context by requireAuth.
func (r *Router) currentUser(w http.ResponseWriter, req *http.Request) (*domain.User, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.User == nil {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return nil, false
	}
	return info.User, true
}

// pathParts splits the path below prefix into its non-empty segments.
func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
