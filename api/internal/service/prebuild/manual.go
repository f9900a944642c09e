package prebuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/apperr"
)

// ContextForProject builds the commit context of a manually requested
// prebuild. An empty branch means the repository's default branch; an empty
// revision means the branch head known to the provider.
func (c *Coordinator) ContextForProject(ctx context.Context, user *domain.User, project *domain.Project, branch, revision string) (domain.CommitContext, *domain.CommitInfo, error) {
	repo, err := domain.ParseCloneURL(project.CloneURL)
	if err != nil {
		return domain.CommitContext{}, nil, apperr.Wrap(err, apperr.CodeInvalidArgument, "project clone URL is not a repository URL")
	}
	if c.Providers == nil {
		return domain.CommitContext{}, nil, apperr.Newf(apperr.CodeInvalidArgument, "no provider configured for %s", repo.Host)
	}
	provider, ok := c.Providers.Lookup(repo.Host)
	if !ok {
		return domain.CommitContext{}, nil, apperr.Newf(apperr.CodeInvalidArgument, "no provider configured for %s", repo.Host)
	}
	defaultBranch, err := provider.GetDefaultBranch(ctx, user, repo)
	if err != nil {
		c.logger.Warn("resolve default branch failed", "clone_url", repo.CloneURL, "error", err)
	}
	repo.DefaultBranch = defaultBranch
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = defaultBranch
	}
	if branch == "" {
		return domain.CommitContext{}, nil, apperr.New(apperr.CodeInvalidArgument, "branch is required")
	}
	target := strings.TrimSpace(revision)
	if target == "" {
		target = branch
	}
	info, err := provider.GetCommitInfo(ctx, user, repo, target)
	if err != nil {
		return domain.CommitContext{}, nil, fmt.Errorf("resolve %s: %w", target, err)
	}
	return domain.CommitContext{
		Title:      repo.Owner + "/" + repo.Name + " - " + branch,
		Repository: repo,
		Revision:   info.SHA,
		Ref:        branch,
		RefType:    domain.RefTypeBranch,
	}, info, nil
}
