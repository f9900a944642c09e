package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/splax/prebuildd/pkg/runtime"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the runner token.
var ErrUnauthorized = errors.New("runtime reporter unauthorized")

// ErrInvalidArgument indicates the API rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("runtime reporter invalid argument")

// ErrNotFound indicates the API could not locate the referenced workspace.
var ErrNotFound = errors.New("runtime reporter workspace not found")

// Reporter sends instance status changes and task output to the control plane.
type Reporter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time

	mu      sync.Mutex
	version int64
}

// New creates a reporter using the provided API base URL and runner token.
func New(baseURL, runnerToken string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("runtime reporter base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Reporter{
		baseURL: trimmed,
		token:   strings.TrimSpace(runnerToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// ReportStatus stamps the report with the next version and posts it.
func (r *Reporter) ReportStatus(ctx context.Context, report runtime.StatusReport) error {
	if r == nil {
		return errors.New("runtime reporter not initialised")
	}
	if strings.TrimSpace(report.WorkspaceID) == "" {
		return errors.New("runtime reporter requires workspace_id")
	}
	if report.OccurredAt.IsZero() {
		report.OccurredAt = r.now().UTC()
	}
	report.Version = r.nextVersion()
	return r.post(ctx, "/runtime/status", report)
}

// ReportLogs posts a batch of task output lines.
func (r *Reporter) ReportLogs(ctx context.Context, lines []runtime.LogLine) error {
	if r == nil {
		return errors.New("runtime reporter not initialised")
	}
	if len(lines) == 0 {
		return nil
	}
	now := r.now().UTC()
	for i := range lines {
		if lines[i].OccurredAt.IsZero() {
			lines[i].OccurredAt = now
		}
	}
	return r.post(ctx, "/runtime/logs", lines)
}

// nextVersion returns a strictly increasing value based on the wall clock so
// versions stay ordered across runner restarts.
func (r *Reporter) nextVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.now().UnixNano()
	if v <= r.version {
		v = r.version + 1
	}
	r.version = v
	return v
}

func (r *Reporter) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal runtime report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build runtime report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("X-Builder-Token", r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send runtime report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("runtime report failed: %s", summary)
	}
}
