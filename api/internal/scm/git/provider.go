// Package git implements scm.Provider on top of the git command line using
// bare mirrors kept in a local cache directory.
package git

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/scm"
)

// Credentials resolves the token used to access a host on behalf of actor.
// An empty token means anonymous access.
type Credentials interface {
	Token(ctx context.Context, actor *domain.User, host string) (string, error)
}

// Provider reads repositories through local bare mirrors.
type Provider struct {
	cacheDir string
	timeout  time.Duration
	creds    Credentials
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ scm.Provider = (*Provider)(nil)

// New constructs a Provider caching mirrors under cacheDir.
func New(cacheDir string, timeout time.Duration, creds Credentials, log *slog.Logger) (*Provider, error) {
	if cacheDir == "" {
		return nil, fmt.Errorf("git cache directory cannot be empty")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create git cache: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{cacheDir: cacheDir, timeout: timeout, creds: creds, log: log, locks: map[string]*sync.Mutex{}}, nil
}

// GetCommitHistory lists up to maxDepth ancestors of revision, newest first.
func (p *Provider) GetCommitHistory(ctx context.Context, actor *domain.User, repo domain.Repository, revision string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		return []string{}, nil
	}
	dir, err := p.mirror(ctx, actor, repo, revision)
	if err != nil {
		return nil, err
	}
	out, err := p.git(ctx, dir, nil, "rev-list", "--skip=1", "--max-count="+strconv.Itoa(maxDepth), revision)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// GetCommitInfo describes revision.
func (p *Provider) GetCommitInfo(ctx context.Context, actor *domain.User, repo domain.Repository, revision string) (*domain.CommitInfo, error) {
	dir, err := p.mirror(ctx, actor, repo, revision)
	if err != nil {
		return nil, err
	}
	out, err := p.git(ctx, dir, nil, "show", "-s", "--format=%H%x00%an%x00%ae%x00%aI%x00%B", revision)
	if err != nil {
		return nil, err
	}
	return parseCommitInfo(out)
}

// GetDefaultBranch returns the branch HEAD of the remote points at.
func (p *Provider) GetDefaultBranch(ctx context.Context, actor *domain.User, repo domain.Repository) (string, error) {
	dir, err := p.mirror(ctx, actor, repo, "")
	if err != nil {
		return "", err
	}
	out, err := p.git(ctx, dir, nil, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ReadFile returns the content of path at revision.
func (p *Provider) ReadFile(ctx context.Context, actor *domain.User, repo domain.Repository, revision, path string) ([]byte, error) {
	dir, err := p.mirror(ctx, actor, repo, revision)
	if err != nil {
		return nil, err
	}
	path = strings.TrimPrefix(filepath.ToSlash(path), "/")
	listing, err := p.git(ctx, dir, nil, "ls-tree", revision, "--", path)
	if err != nil {
		return nil, err
	}
	if !isBlobListing(listing) {
		return nil, scm.ErrFileNotFound
	}
	return p.git(ctx, dir, nil, "cat-file", "blob", revision+":"+path)
}

// mirror makes sure a bare mirror of repo exists and, when revision is set,
// contains it. Fetches are serialized per repository.
func (p *Provider) mirror(ctx context.Context, actor *domain.User, repo domain.Repository, revision string) (string, error) {
	if repo.CloneURL == "" {
		return "", fmt.Errorf("repository clone URL cannot be empty")
	}
	dir := filepath.Join(p.cacheDir, mirrorName(repo.CloneURL))
	lock := p.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	var auth []string
	if p.creds != nil {
		token, err := p.creds.Token(ctx, actor, repo.Host)
		if err != nil {
			return "", fmt.Errorf("resolve credentials: %w", err)
		}
		auth = authConfig(repo.Host, token)
	}

	if _, err := os.Stat(filepath.Join(dir, "HEAD")); errors.Is(err, os.ErrNotExist) {
		p.log.Info("cloning mirror", "clone_url", repo.CloneURL)
		if _, err := p.git(ctx, "", auth, "clone", "--mirror", "--quiet", repo.CloneURL, dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
		return dir, nil
	} else if err != nil {
		return "", fmt.Errorf("stat mirror: %w", err)
	}

	if revision != "" {
		if _, err := p.git(ctx, dir, nil, "cat-file", "-e", revision+"^{commit}"); err == nil {
			return dir, nil
		}
	}
	p.log.Debug("fetching mirror", "clone_url", repo.CloneURL, "revision", revision)
	if _, err := p.git(ctx, dir, auth, "remote", "update", "--prune"); err != nil {
		return "", err
	}
	return dir, nil
}

func (p *Provider) lockFor(dir string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		p.locks[dir] = l
	}
	return l
}

func (p *Provider) git(ctx context.Context, dir string, config []string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	full := make([]string, 0, len(config)+len(args))
	full = append(full, config...)
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func mirrorName(cloneURL string) string {
	sum := sha256.Sum256([]byte(domain.NormalizeCloneURL(cloneURL)))
	return hex.EncodeToString(sum[:16]) + ".git"
}

// authConfig renders git -c flags carrying token as HTTP basic credentials.
// The token never ends up in the mirror's remote configuration.
func authConfig(host, token string) []string {
	if token == "" {
		return nil
	}
	user := "oauth2"
	switch {
	case strings.Contains(host, "github"):
		user = "x-access-token"
	case strings.Contains(host, "bitbucket"):
		user = "x-token-auth"
	}
	basic := base64.StdEncoding.EncodeToString([]byte(user + ":" + token))
	return []string{"-c", "http.extraHeader=Authorization: Basic " + basic}
}

func parseCommitInfo(out []byte) (*domain.CommitInfo, error) {
	parts := strings.SplitN(string(out), "\x00", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("unexpected commit format")
	}
	return &domain.CommitInfo{
		SHA:         strings.TrimSpace(parts[0]),
		Author:      parts[1],
		AuthorEmail: parts[2],
		AuthorDate:  parts[3],
		Message:     strings.TrimSpace(parts[4]),
	}, nil
}

func isBlobListing(out []byte) bool {
	fields := strings.Fields(string(out))
	return len(fields) >= 2 && fields[1] == "blob"
}

func splitLines(out []byte) []string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	result := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}
