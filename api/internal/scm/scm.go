// Package scm defines access to source hosting providers.
package scm

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/splax/prebuildd/api/internal/domain"
)

// ErrFileNotFound is returned by ReadFile when the path does not exist at the revision.
var ErrFileNotFound = errors.New("scm: file not found")

// Provider reads repository data on behalf of a user.
type Provider interface {
	// GetCommitHistory returns up to maxDepth ancestors of revision, newest
	// first, excluding revision itself.
	GetCommitHistory(ctx context.Context, actor *domain.User, repo domain.Repository, revision string, maxDepth int) ([]string, error)
	GetCommitInfo(ctx context.Context, actor *domain.User, repo domain.Repository, revision string) (*domain.CommitInfo, error)
	GetDefaultBranch(ctx context.Context, actor *domain.User, repo domain.Repository) (string, error)
	ReadFile(ctx context.Context, actor *domain.User, repo domain.Repository, revision, path string) ([]byte, error)
}

// Registry maps hosts to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register binds host to p.
func (r *Registry) Register(host string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(host)] = p
}

// Lookup returns the provider configured for host.
func (r *Registry) Lookup(host string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(host)]
	return p, ok
}
