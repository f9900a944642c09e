// Package runtime is the control plane's client of the workspace runner.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	contract "github.com/splax/prebuildd/pkg/runtime"
)

const maxErrorBodySize = 4096

// ErrInstanceNotFound is returned when the runner does not know the instance.
var ErrInstanceNotFound = errors.New("runtime: instance not found")

// ErrRejected is returned when the runner refuses a request.
var ErrRejected = errors.New("runtime: request rejected")

// Client starts and stops workspace instances on the runner.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New constructs a Client for the runner at baseURL.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// StartWorkspace asks the runner to start an instance. The runner answers
// once the instance is accepted; progress arrives through status reports.
func (c *Client) StartWorkspace(ctx context.Context, req contract.StartRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/workspaces", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("start workspace %s: %w", req.WorkspaceID, err)
	}
	defer resp.Body.Close()
	if err := errorForStatus(resp); err != nil {
		c.logger.Error("runner rejected workspace start", "workspace_id", req.WorkspaceID, "instance_id", req.InstanceID, "status", resp.Status)
		return fmt.Errorf("start workspace %s: %w", req.WorkspaceID, err)
	}
	c.logger.Info("workspace start accepted", "workspace_id", req.WorkspaceID, "instance_id", req.InstanceID)
	return nil
}

// StopWorkspaceInstance stops an instance using policy.
func (c *Client) StopWorkspaceInstance(ctx context.Context, instanceID, policy string) error {
	if policy == "" {
		policy = contract.StopPolicyNormal
	}
	path := "/workspaces/" + url.PathEscape(instanceID) + "?policy=" + url.QueryEscape(policy)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	defer resp.Body.Close()
	if err := errorForStatus(resp); err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	c.logger.Info("workspace stop requested", "instance_id", instanceID, "policy", policy)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Builder-Token", c.token)
	}
	return c.http.Do(req)
}

func errorForStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(data))
	if resp.StatusCode == http.StatusNotFound {
		return ErrInstanceNotFound
	}
	if msg == "" {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, msg)
}
