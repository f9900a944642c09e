package commitstatus

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/prebuildd/pkg/jwt"
)

const (
	defaultAPIURL    = "https://api.github.com"
	appTokenTTL      = 9 * time.Minute
	tokenRefreshSkew = time.Minute
	maxErrorBodySize = 4096
)

// ErrRejected is returned when GitHub refuses a request.
var ErrRejected = errors.New("github: request rejected")

// AppClient posts commit statuses as a GitHub App installation.
type AppClient struct {
	appID   string
	key     *rsa.PrivateKey
	baseURL string
	http    *http.Client
	now     func() time.Time

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAppClient constructs an AppClient. An empty baseURL targets github.com.
func NewAppClient(appID string, key *rsa.PrivateKey, baseURL string, timeout time.Duration) *AppClient {
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL == "" {
		baseURL = defaultAPIURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AppClient{
		appID:   appID,
		key:     key,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
		tokens:  make(map[int64]installationToken),
	}
}

// CreateCommitStatus sets the status of sha in owner/repo.
func (c *AppClient) CreateCommitStatus(ctx context.Context, installationID int64, owner, repo, sha string, st Status) error {
	token, err := c.installationToken(ctx, installationID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/statuses/" + url.PathEscape(sha)
	resp, err := c.do(ctx, http.MethodPost, path, "token "+token, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create commit status %s/%s@%s: %w", owner, repo, sha, err)
	}
	defer resp.Body.Close()
	if err := errorForStatus(resp); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			c.forget(installationID)
		}
		return fmt.Errorf("create commit status %s/%s@%s: %w", owner, repo, sha, err)
	}
	return nil
}

// installationToken returns a cached access token for the installation,
// exchanging a fresh app token when it is missing or about to expire.
func (c *AppClient) installationToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && c.now().Add(tokenRefreshSkew).Before(cached.ExpiresAt) {
		return cached.Token, nil
	}

	appToken, err := jwt.GenerateAppToken(c.appID, c.key, c.now(), appTokenTTL)
	if err != nil {
		return "", fmt.Errorf("sign app token: %w", err)
	}
	path := "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"
	resp, err := c.do(ctx, http.MethodPost, path, "Bearer "+appToken, nil)
	if err != nil {
		return "", fmt.Errorf("installation token %d: %w", installationID, err)
	}
	defer resp.Body.Close()
	if err := errorForStatus(resp); err != nil {
		return "", fmt.Errorf("installation token %d: %w", installationID, err)
	}
	var fresh installationToken
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		return "", fmt.Errorf("decode installation token: %w", err)
	}
	if fresh.Token == "" {
		return "", fmt.Errorf("installation token %d: empty token", installationID)
	}
	c.mu.Lock()
	c.tokens[installationID] = fresh
	c.mu.Unlock()
	return fresh.Token, nil
}

func (c *AppClient) forget(installationID int64) {
	c.mu.Lock()
	delete(c.tokens, installationID)
	c.mu.Unlock()
}

func (c *AppClient) do(ctx context.Context, method, path, authorization string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", authorization)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func errorForStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, msg)
	}
	return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
}
