// Package entitlement decides whether a team may start new workspaces.
package entitlement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

// MayStartResult reports why starting a workspace would be refused.
type MayStartResult struct {
	UsageLimitReachedOnCostCenter bool
}

// Gate checks team cost centers.
type Gate struct {
	costCenters repository.CostCenterRepository
	logger      *slog.Logger
}

// New constructs a Gate.
func New(costCenters repository.CostCenterRepository, logger *slog.Logger) Gate {
	return Gate{costCenters: costCenters, logger: logger}
}

// MayStartWorkspace inspects the cost center of teamID. Teams without a cost
// center are unlimited.
func (g Gate) MayStartWorkspace(ctx context.Context, user *domain.User, teamID string) (MayStartResult, error) {
	if teamID == "" {
		return MayStartResult{}, nil
	}
	cc, err := g.costCenters.GetCostCenter(ctx, teamID)
	if errors.Is(err, repository.ErrNotFound) {
		return MayStartResult{}, nil
	}
	if err != nil {
		return MayStartResult{}, err
	}
	if cc.LimitReached() {
		g.logger.Info("spending limit reached", "team_id", teamID, "usage", cc.CurrentUsage, "limit", cc.SpendingLimit)
		return MayStartResult{UsageLimitReachedOnCostCenter: true}, nil
	}
	return MayStartResult{}, nil
}
