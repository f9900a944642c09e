package commitstatus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryStore struct {
	mu         sync.Mutex
	prebuilds  map[string]domain.Prebuild
	workspaces map[string]domain.Workspace
	targets    []domain.CommitStatusTarget
	// finishAfterAttach switches the prebuild to this state once a target
	// is attached.
	finishAfterAttach domain.PrebuildState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{prebuilds: map[string]domain.Prebuild{}, workspaces: map[string]domain.Workspace{}}
}

func (s *memoryStore) addPrebuild(pb domain.Prebuild, mode domain.CheckMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prebuilds[pb.ID] = pb
	s.workspaces[pb.BuildWorkspaceID] = domain.Workspace{ID: pb.BuildWorkspaceID, Config: domain.WorkspaceConfig{AddCheck: mode}}
}

func (s *memoryStore) AttachCommitStatus(_ context.Context, t *domain.CommitStatusTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, *t)
	if s.finishAfterAttach != "" {
		pb := s.prebuilds[t.PrebuildID]
		pb.State = s.finishAfterAttach
		s.prebuilds[t.PrebuildID] = pb
	}
	return nil
}

func (s *memoryStore) ListCommitStatuses(_ context.Context, prebuildID string) ([]domain.CommitStatusTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CommitStatusTarget
	for _, t := range s.targets {
		if t.PrebuildID == prebuildID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memoryStore) ListUnresolvedCommitStatuses(_ context.Context, limit int) ([]domain.UnresolvedCommitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UnresolvedCommitStatus
	for _, t := range s.targets {
		if t.Resolved || len(out) == limit {
			continue
		}
		pb := s.prebuilds[t.PrebuildID]
		out = append(out, domain.UnresolvedCommitStatus{
			Target:             t,
			Prebuild:           pb,
			WorkspaceCreatedAt: s.workspaces[pb.BuildWorkspaceID].CreatedAt,
		})
	}
	return out, nil
}

func (s *memoryStore) MarkCommitStatusResolved(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.targets {
		if s.targets[i].ID == id {
			s.targets[i].Resolved = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memoryStore) GetPrebuildByID(_ context.Context, id string) (*domain.Prebuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb, ok := s.prebuilds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &pb, nil
}

func (s *memoryStore) GetWorkspaceByID(_ context.Context, id string) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &ws, nil
}

func (s *memoryStore) resolvedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.targets {
		if t.Resolved {
			n++
		}
	}
	return n
}

type postedStatus struct {
	installationID int64
	owner, repo    string
	sha            string
	status         Status
}

type recordingPoster struct {
	mu     sync.Mutex
	posted []postedStatus
	err    error
}

func (p *recordingPoster) CreateCommitStatus(_ context.Context, installationID int64, owner, repo, sha string, st Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posted = append(p.posted, postedStatus{installationID: installationID, owner: owner, repo: repo, sha: sha, status: st})
	return p.err
}

func (p *recordingPoster) all() []postedStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]postedStatus(nil), p.posted...)
}
