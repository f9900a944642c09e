package repository

import (
	"context"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	SetUserBlocked(ctx context.Context, id string, blocked bool) error
}

// IdentityRepository stores provider identities of users.
type IdentityRepository interface {
	UpsertIdentity(ctx context.Context, identity *domain.Identity) error
	ListIdentitiesByUser(ctx context.Context, userID string) ([]domain.Identity, error)
	GetIdentity(ctx context.Context, userID, host string) (*domain.Identity, error)
	FindUserByIdentity(ctx context.Context, host, authID string) (*domain.User, error)
}

// AccessTokenRepository stores webhook access tokens.
type AccessTokenRepository interface {
	CreateAccessToken(ctx context.Context, token *domain.AccessToken) error
	ListAccessTokensByUser(ctx context.Context, userID string) ([]domain.AccessToken, error)
}

// TeamRepository manages teams and memberships.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	UpsertMember(ctx context.Context, member *domain.TeamMember) error
	CountProjects(ctx context.Context, teamID string) (int, error)
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error)
	ListMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error)
	GetMember(ctx context.Context, teamID, userID string) (*domain.TeamMember, error)
}

// CostCenterRepository reads team usage budgets.
type CostCenterRepository interface {
	GetCostCenter(ctx context.Context, teamID string) (*domain.CostCenter, error)
	UpsertCostCenter(ctx context.Context, cc *domain.CostCenter) error
}

// ProjectRepository persists project configuration and usage.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByTeam(ctx context.Context, teamID string) ([]domain.Project, error)
	FindProjectsByCloneURL(ctx context.Context, cloneURL string) ([]domain.Project, error)
	UpdateProjectSettings(ctx context.Context, projectID string, settings domain.ProjectSettings) error
	GetProjectUsage(ctx context.Context, projectID string) (*domain.ProjectUsage, error)
	MarkWebhookReceived(ctx context.Context, projectID string, at time.Time) error
	MarkWorkspaceStarted(ctx context.Context, projectID string, at time.Time) error
}

// PrebuildRepository persists prebuilds and their build workspaces.
type PrebuildRepository interface {
	// CreatePrebuildWorkspace stores the workspace and its prebuild atomically.
	CreatePrebuildWorkspace(ctx context.Context, ws *domain.Workspace, pb *domain.Prebuild) error
	GetPrebuildByID(ctx context.Context, id string) (*domain.Prebuild, error)
	GetPrebuildByWorkspaceID(ctx context.Context, workspaceID string) (*domain.Prebuild, error)
	// FindPrebuiltWorkspaceByCommit returns the newest prebuild for the
	// commit that is not failed, aborted or timed out.
	FindPrebuiltWorkspaceByCommit(ctx context.Context, cloneURL, commit string) (*domain.PrebuildWithWorkspace, error)
	// FindPrebuildsWithWorkspace lists the project's prebuilds whose
	// workspace content has not been garbage collected, newest first.
	FindPrebuildsWithWorkspace(ctx context.Context, projectID string) ([]domain.PrebuildWithWorkspace, error)
	FindActivePrebuildsByBranch(ctx context.Context, projectID, branch string) ([]domain.PrebuildWithWorkspace, error)
	ListPrebuildsByProject(ctx context.Context, projectID, branch string, limit int) ([]domain.Prebuild, error)
	ListActivePrebuildsCreatedBefore(ctx context.Context, before time.Time) ([]domain.Prebuild, error)
	CountUnabortedPrebuildsSince(ctx context.Context, cloneURL string, since time.Time) (int, error)
	// CompareAndSwapPrebuild writes state, error and status version of pb
	// only if the stored status version still equals expectedVersion.
	// It returns ErrConflict otherwise.
	CompareAndSwapPrebuild(ctx context.Context, pb *domain.Prebuild, expectedVersion int64) error
	StorePrebuildInfo(ctx context.Context, info *domain.PrebuildInfo) error
	GetPrebuildInfo(ctx context.Context, prebuildID string) (*domain.PrebuildInfo, error)
}

// WorkspaceRepository persists workspaces and instances.
type WorkspaceRepository interface {
	GetWorkspaceByID(ctx context.Context, id string) (*domain.Workspace, error)
	CreateInstance(ctx context.Context, inst *domain.WorkspaceInstance) error
	GetInstanceByID(ctx context.Context, id string) (*domain.WorkspaceInstance, error)
	// FindRunningInstance returns ErrNotFound when every instance is stopped.
	FindRunningInstance(ctx context.Context, workspaceID string) (*domain.WorkspaceInstance, error)
	UpdateInstancePhase(ctx context.Context, instanceID string, phase domain.InstancePhase, stoppedAt *time.Time) error
	GetWorkspaceCountByCloneURL(ctx context.Context, cloneURL string, since time.Time, wsType domain.WorkspaceType) (int, error)
}

// WebhookEventRepository stores the webhook audit log.
type WebhookEventRepository interface {
	CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, cloneURL string, limit int) ([]domain.WebhookEvent, error)
}

// AppInstallationRepository stores GitHub App installations.
type AppInstallationRepository interface {
	UpsertAppInstallation(ctx context.Context, inst *domain.AppInstallation) error
	FindAppInstallation(ctx context.Context, platform, installationID string) (*domain.AppInstallation, error)
}

// PrebuildLogRepository handles build log persistence and retrieval.
type PrebuildLogRepository interface {
	AppendPrebuildLogs(ctx context.Context, logs []domain.PrebuildLog) error
	ListPrebuildLogs(ctx context.Context, workspaceID string, afterID int64, limit int) ([]domain.PrebuildLog, error)
}

// CommitStatusRepository stores commit statuses awaiting their prebuild.
type CommitStatusRepository interface {
	AttachCommitStatus(ctx context.Context, target *domain.CommitStatusTarget) error
	ListCommitStatuses(ctx context.Context, prebuildID string) ([]domain.CommitStatusTarget, error)
	// ListUnresolvedCommitStatuses returns open targets, oldest first.
	ListUnresolvedCommitStatuses(ctx context.Context, limit int) ([]domain.UnresolvedCommitStatus, error)
	MarkCommitStatusResolved(ctx context.Context, id string) error
}
