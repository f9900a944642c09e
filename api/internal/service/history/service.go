package history

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/scm"
	"github.com/splax/prebuildd/pkg/tracer"
)

// MaxHistoryDepth bounds every returned history, the revision itself included.
const MaxHistoryDepth = 100

// ProviderLookup resolves the provider of a host.
type ProviderLookup interface {
	Lookup(host string) (scm.Provider, bool)
}

// Service computes bounded commit histories for commit contexts.
type Service struct {
	providers ProviderLookup
	logger    *slog.Logger
}

// New constructs a history service.
func New(providers ProviderLookup, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{providers: providers, logger: logger.With("component", "history")}
}

// GetCommitHistoryForContext returns the context revision followed by its
// ancestors for the primary repository and for every additional checkout.
// Without a provider for the primary host the result is empty.
func (s Service) GetCommitHistoryForContext(ctx context.Context, c domain.CommitContext, actor *domain.User) (result domain.CommitHistory, err error) {
	ctx, span := tracer.Start(ctx, "history.GetCommitHistoryForContext")
	defer func() { tracer.End(span, err) }()

	primary, ok := s.providers.Lookup(c.Repository.Host)
	if !ok {
		s.logger.Debug("no repository provider for host", "host", c.Repository.Host)
		return domain.CommitHistory{}, nil
	}

	additional := make([]domain.RepositoryHistory, len(c.AdditionalRepositoryCheckoutInfo))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := fetch(gctx, primary, actor, c.Repository, c.Revision)
		if err != nil {
			return fmt.Errorf("history of %s: %w", c.Repository.CloneURL, err)
		}
		result.CommitHistory = h
		return nil
	})
	for i, info := range c.AdditionalRepositoryCheckoutInfo {
		i, info := i, info
		provider, ok := s.providers.Lookup(info.Repository.Host)
		if !ok {
			provider = primary
		}
		g.Go(func() error {
			h, err := fetch(gctx, provider, actor, info.Repository, info.Revision)
			if err != nil {
				return fmt.Errorf("history of %s: %w", info.Repository.CloneURL, err)
			}
			additional[i] = domain.RepositoryHistory{CloneURL: info.Repository.CloneURL, CommitHistory: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.CommitHistory{}, err
	}
	if len(additional) > 0 {
		result.AdditionalRepositoryCommitHistories = additional
	}
	return result, nil
}

func fetch(ctx context.Context, p scm.Provider, actor *domain.User, repo domain.Repository, revision string) ([]string, error) {
	ancestors, err := p.GetCommitHistory(ctx, actor, repo, revision, MaxHistoryDepth-1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ancestors)+1)
	out = append(out, revision)
	out = append(out, ancestors...)
	if len(out) > MaxHistoryDepth {
		out = out[:MaxHistoryDepth]
	}
	return out, nil
}
