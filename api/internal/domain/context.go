package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Ref types of a commit context.
const (
	RefTypeBranch   = "branch"
	RefTypeTag      = "tag"
	RefTypeRevision = "revision"
)

// Repository identifies a repository on a source hosting provider.
type Repository struct {
	Host          string `json:"host"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	CloneURL      string `json:"cloneUrl"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// CheckoutInfo is an additional repository checked out next to the primary one.
type CheckoutInfo struct {
	Repository Repository `json:"repository"`
	Revision   string     `json:"revision"`
	Ref        string     `json:"ref,omitempty"`
	RefType    string     `json:"refType,omitempty"`
	TargetDir  string     `json:"checkoutLocation,omitempty"`
}

// RepositoryHistory is the commit history of one additional repository.
type RepositoryHistory struct {
	CloneURL      string   `json:"cloneUrl"`
	CommitHistory []string `json:"commitHistory"`
}

// CommitHistory lists a revision and its ancestors, newest first, per repository.
type CommitHistory struct {
	CommitHistory                       []string            `json:"commitHistory,omitempty"`
	AdditionalRepositoryCommitHistories []RepositoryHistory `json:"additionalRepositoryCommitHistories,omitempty"`
}

// Empty reports whether no history is known for the primary repository.
func (h CommitHistory) Empty() bool {
	return len(h.CommitHistory) == 0
}

// CommitContext references one revision of a repository and, for multi-repo
// workspaces, revisions of additional repositories. Values are copied, never
// modified in place.
type CommitContext struct {
	Title                            string         `json:"title,omitempty"`
	NormalizedContextURL             string         `json:"normalizedContextUrl,omitempty"`
	Repository                       Repository     `json:"repository"`
	Revision                         string         `json:"revision"`
	Ref                              string         `json:"ref,omitempty"`
	RefType                          string         `json:"refType,omitempty"`
	AdditionalRepositoryCheckoutInfo []CheckoutInfo `json:"additionalRepositoryCheckoutInfo,omitempty"`

	// History hints attached for incremental base selection during workspace creation.
	CommitHistory                       []string            `json:"commitHistory,omitempty"`
	AdditionalRepositoryCommitHistories []RepositoryHistory `json:"additionalRepositoryCommitHistories,omitempty"`
}

// IsCommitContext reports whether the context references a concrete revision.
func (c CommitContext) IsCommitContext() bool {
	return c.Revision != "" && c.Repository.CloneURL != ""
}

// Identifier is the value stored as a prebuild's commit. For single-repo
// contexts it is the revision; otherwise a digest of every checkout.
func (c CommitContext) Identifier() string {
	if len(c.AdditionalRepositoryCheckoutInfo) == 0 {
		return c.Revision
	}
	h := sha256.New()
	h.Write([]byte(c.Repository.CloneURL + "/" + c.Revision))
	for _, info := range c.AdditionalRepositoryCheckoutInfo {
		h.Write([]byte("\n" + info.Repository.CloneURL + "/" + info.Revision))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WithHistory returns a copy carrying the given history hints.
func (c CommitContext) WithHistory(h CommitHistory) CommitContext {
	out := c
	out.CommitHistory = append([]string(nil), h.CommitHistory...)
	out.AdditionalRepositoryCommitHistories = append([]RepositoryHistory(nil), h.AdditionalRepositoryCommitHistories...)
	return out
}

// History returns the history hints carried by the context.
func (c CommitContext) History() CommitHistory {
	return CommitHistory{
		CommitHistory:                       c.CommitHistory,
		AdditionalRepositoryCommitHistories: c.AdditionalRepositoryCommitHistories,
	}
}

// NormalizeCloneURL strips a trailing slash and ".git" suffix for comparisons.
func NormalizeCloneURL(u string) string {
	u = strings.TrimSuffix(strings.TrimSpace(u), "/")
	return strings.TrimSuffix(u, ".git")
}

// CommitInfo describes a single commit.
type CommitInfo struct {
	SHA         string `json:"sha"`
	Author      string `json:"author"`
	AuthorEmail string `json:"authorEmail,omitempty"`
	AuthorDate  string `json:"authorDate,omitempty"`
	Message     string `json:"commitMessage"`
}

// UnknownCommitInfo is recorded when commit metadata cannot be resolved.
func UnknownCommitInfo(sha string) CommitInfo {
	return CommitInfo{SHA: sha, Author: "unknown", Message: "unknown"}
}

// ParseCloneURL splits https://host/owner/name(.git) into a Repository.
// Owners may contain slashes for nested GitLab groups.
func ParseCloneURL(raw string) (Repository, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Repository{}, fmt.Errorf("parse repository url: %w", err)
	}
	segments := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
	if u.Host == "" || len(segments) < 2 {
		return Repository{}, fmt.Errorf("unexpected repository url %q", raw)
	}
	return Repository{
		Host:     strings.ToLower(u.Host),
		Owner:    strings.Join(segments[:len(segments)-1], "/"),
		Name:     segments[len(segments)-1],
		CloneURL: strings.TrimSpace(raw),
	}, nil
}
