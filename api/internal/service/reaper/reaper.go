// Package reaper times out prebuilds that never finished.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/config"
)

const (
	defaultInterval = time.Minute
	sweepTimeout    = 30 * time.Second
)

// Store lists prebuilds that are still queued or building.
type Store interface {
	ListActivePrebuildsCreatedBefore(ctx context.Context, before time.Time) ([]domain.Prebuild, error)
}

// Timeouter stops a prebuild and moves it to timeout.
type Timeouter interface {
	TimeoutPrebuild(ctx context.Context, pb domain.Prebuild) error
}

// Reaper periodically times out prebuilds older than the configured limit.
type Reaper struct {
	store    Store
	timeouts Timeouter
	logger   *slog.Logger

	interval time.Duration
	timeout  time.Duration

	now func() time.Time
}

// New constructs a Reaper. It returns nil when prebuild timeouts are disabled.
func New(store Store, timeouts Timeouter, logger *slog.Logger, cfg config.APIConfig) *Reaper {
	if store == nil || timeouts == nil || cfg.PrebuildTimeout <= 0 {
		return nil
	}
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    store,
		timeouts: timeouts,
		logger:   logger.With("component", "reaper"),
		interval: interval,
		timeout:  cfg.PrebuildTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("prebuild reaper started", "interval", r.interval, "timeout", r.timeout)
	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("prebuild reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep returns how many prebuilds were timed out.
func (r *Reaper) sweep(parent context.Context) int {
	timeout := sweepTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := r.now().Add(-r.timeout)
	stale, err := r.store.ListActivePrebuildsCreatedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("failed to list stale prebuilds", "error", err)
		return 0
	}
	reaped := 0
	for _, pb := range stale {
		if err := r.timeouts.TimeoutPrebuild(ctx, pb); err != nil {
			r.logger.Warn("failed to time out prebuild", "prebuild_id", pb.ID, "error", err)
			continue
		}
		reaped++
		r.logger.Info("prebuild timed out", "prebuild_id", pb.ID, "project_id", pb.ProjectID, "age", r.now().Sub(pb.CreatedAt).Round(time.Second))
	}
	return reaped
}
