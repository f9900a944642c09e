// Package buildlog stores prebuild task output and streams it, together with
// prebuild state changes, to websocket and SSE subscribers.
package buildlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/ws"
	"github.com/splax/prebuildd/pkg/apperr"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

const (
	maxLineLength = 4096
	maxBatch      = 500
)

// PrebuildLookup resolves prebuilds by id or build workspace.
type PrebuildLookup interface {
	GetPrebuildByID(ctx context.Context, id string) (*domain.Prebuild, error)
	GetPrebuildByWorkspaceID(ctx context.Context, workspaceID string) (*domain.Prebuild, error)
}

// Service handles build log persistence and streaming.
type Service struct {
	repo      repository.PrebuildLogRepository
	prebuilds PrebuildLookup
	hub       *ws.Hub
	logger    *slog.Logger
}

// New constructs a build log service.
func New(repo repository.PrebuildLogRepository, prebuilds PrebuildLookup, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, prebuilds: prebuilds, hub: hub, logger: logger.With("component", "buildlog")}
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Append stores runner output lines and broadcasts them to subscribers of
// the prebuild and of its project. Lines of one batch may span workspaces.
func (s *Service) Append(ctx context.Context, lines []contract.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	if len(lines) > maxBatch {
		return apperr.Newf(apperr.CodeInvalidArgument, "at most %d lines per batch", maxBatch)
	}
	owners := map[string]*domain.Prebuild{}
	entries := make([]domain.PrebuildLog, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.WorkspaceID) == "" {
			return apperr.New(apperr.CodeInvalidArgument, "workspace_id is required")
		}
		pb, ok := owners[l.WorkspaceID]
		if !ok {
			found, err := s.prebuilds.GetPrebuildByWorkspaceID(ctx, l.WorkspaceID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return apperr.Wrap(err, apperr.CodeNotFound, "no prebuild for workspace "+l.WorkspaceID)
				}
				return err
			}
			owners[l.WorkspaceID] = found
			pb = found
		}
		at := l.OccurredAt
		if at.IsZero() {
			at = time.Now()
		}
		entries = append(entries, domain.PrebuildLog{
			WorkspaceID: l.WorkspaceID,
			PrebuildID:  pb.ID,
			ProjectID:   pb.ProjectID,
			Task:        l.Task,
			Stream:      defaultStream(l.Stream),
			Line:        truncate(l.Line),
			CreatedAt:   at.UTC(),
		})
	}
	if err := s.repo.AppendPrebuildLogs(ctx, entries); err != nil {
		return err
	}
	for _, e := range entries {
		s.broadcastLog(e)
	}
	return nil
}

// List returns log lines of a prebuild after the given line id.
func (s *Service) List(ctx context.Context, prebuildID string, afterID int64, limit int) ([]domain.PrebuildLog, error) {
	pb, err := s.prebuilds.GetPrebuildByID(ctx, prebuildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.CodeNotFound, "prebuild not found")
		}
		return nil, err
	}
	return s.repo.ListPrebuildLogs(ctx, pb.BuildWorkspaceID, afterID, limit)
}

// PrebuildUpdated broadcasts a prebuild state change to project subscribers.
func (s *Service) PrebuildUpdated(_ context.Context, pb domain.Prebuild) {
	if pb.ProjectID == "" {
		return
	}
	data, err := MarshalPrebuild(pb)
	if err != nil {
		s.logger.Warn("failed to marshal prebuild update", "prebuild_id", pb.ID, "error", err)
		return
	}
	s.hub.Broadcast(pb.ProjectID, data)
	s.hub.Broadcast(ws.PrebuildTopic(pb.ID), data)
}

func (s *Service) broadcastLog(entry domain.PrebuildLog) {
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(ws.PrebuildTopic(entry.PrebuildID), data)
	if entry.ProjectID != "" {
		s.hub.Broadcast(entry.ProjectID, data)
	}
}

// MarshalEntry formats a log line for streaming payloads.
func MarshalEntry(entry domain.PrebuildLog) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":         "log",
		"id":           entry.ID,
		"prebuild_id":  entry.PrebuildID,
		"workspace_id": entry.WorkspaceID,
		"project_id":   entry.ProjectID,
		"task":         entry.Task,
		"stream":       entry.Stream,
		"line":         entry.Line,
		"created_at":   entry.CreatedAt.Format(time.RFC3339Nano),
	})
}

// MarshalPrebuild formats a prebuild state change for streaming payloads.
func MarshalPrebuild(pb domain.Prebuild) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":         "prebuild",
		"prebuild_id":  pb.ID,
		"workspace_id": pb.BuildWorkspaceID,
		"project_id":   pb.ProjectID,
		"branch":       pb.Branch,
		"commit":       pb.Commit,
		"state":        pb.State,
		"error":        pb.Error,
	})
}

func defaultStream(s string) string {
	if s == "" {
		return "stdout"
	}
	return s
}

// truncate makes line storable in a text column: invalid UTF-8 is replaced,
// NUL bytes dropped, and the result cut on a rune boundary.
func truncate(line string) string {
	line = strings.ReplaceAll(strings.ToValidUTF8(line, "\uFFFD"), "\x00", "")
	if len(line) <= maxLineLength {
		return line
	}
	cut := maxLineLength
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}
