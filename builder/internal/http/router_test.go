package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/splax/prebuildd/builder/internal/service/runner"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

type runnerStub struct {
	started   []contract.StartRequest
	startErr  error
	stopped   []string
	stopErr   error
	healthErr error
}

func (s *runnerStub) Start(_ context.Context, req contract.StartRequest) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, req)
	return nil
}

func (s *runnerStub) Stop(_ context.Context, id, policy string) error {
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stopped = append(s.stopped, id+":"+policy)
	return nil
}

func (s *runnerStub) Running() int { return len(s.started) }

func (s *runnerStub) Health(context.Context) error { return s.healthErr }

func newTestRouter(stub *runnerStub) *Router {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), stub, "builder-secret")
}

func serve(r *Router, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Builder-Token", token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const startBody = `{"instance_id":"inst-1","workspace_id":"ws-1","type":"prebuild","checkouts":[{"clone_url":"https://github.com/acme/app.git","revision":"abc"}],"tasks":[{"init":"make"}]}`

func TestStartWorkspaceAccepted(t *testing.T) {
	stub := &runnerStub{}
	rec := serve(newTestRouter(stub), http.MethodPost, "/workspaces", "builder-secret", startBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(stub.started) != 1 || stub.started[0].InstanceID != "inst-1" || stub.started[0].Tasks[0].Init != "make" {
		t.Fatalf("unexpected start requests %+v", stub.started)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload["status"] != contract.PhasePreparing {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestStartWorkspaceRequiresToken(t *testing.T) {
	stub := &runnerStub{}
	rec := serve(newTestRouter(stub), http.MethodPost, "/workspaces", "wrong", startBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(stub.started) != 0 {
		t.Fatalf("expected no start")
	}
}

func TestStartWorkspaceErrors(t *testing.T) {
	cases := []struct {
		err  error
		body string
		want int
	}{
		{body: "{", want: http.StatusBadRequest},
		{err: runner.ErrInvalidRequest, body: startBody, want: http.StatusBadRequest},
		{err: runner.ErrAlreadyRunning, body: startBody, want: http.StatusConflict},
		{err: errors.New("boom"), body: startBody, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := serve(newTestRouter(&runnerStub{startErr: tc.err}), http.MethodPost, "/workspaces", "builder-secret", tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestStopWorkspacePolicies(t *testing.T) {
	stub := &runnerStub{}
	r := newTestRouter(stub)
	for _, target := range []string{"/workspaces/inst-1?policy=abort", "/workspaces/inst-2?policy=graceful", "/workspaces/inst-3"} {
		if rec := serve(r, http.MethodDelete, target, "builder-secret", ""); rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", target, rec.Code)
		}
	}
	want := "inst-1:abort,inst-2:normally,inst-3:normally"
	if got := strings.Join(stub.stopped, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestStopUnknownWorkspace(t *testing.T) {
	rec := serve(newTestRouter(&runnerStub{stopErr: runner.ErrNotFound}), http.MethodDelete, "/workspaces/nope", "builder-secret", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = serve(newTestRouter(&runnerStub{}), http.MethodGet, "/workspaces/inst-1", "builder-secret", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthReportsDocker(t *testing.T) {
	rec := serve(newTestRouter(&runnerStub{}), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = serve(newTestRouter(&runnerStub{healthErr: errors.New("daemon down")}), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "daemon down") {
		t.Fatalf("expected 503 with error, got %d %s", rec.Code, rec.Body.String())
	}
}
