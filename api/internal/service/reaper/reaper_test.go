package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/config"
)

type testStore struct {
	prebuilds []domain.Prebuild
	before    time.Time
	err       error
}

func (s *testStore) ListActivePrebuildsCreatedBefore(_ context.Context, before time.Time) ([]domain.Prebuild, error) {
	s.before = before
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Prebuild
	for _, pb := range s.prebuilds {
		if pb.CreatedAt.Before(before) {
			out = append(out, pb)
		}
	}
	return out, nil
}

type testTimeouter struct {
	timedOut []string
	failFor  map[string]bool
}

func (t *testTimeouter) TimeoutPrebuild(_ context.Context, pb domain.Prebuild) error {
	if t.failFor[pb.ID] {
		return errors.New("runner unreachable")
	}
	t.timedOut = append(t.timedOut, pb.ID)
	return nil
}

func newTestReaper(store Store, timeouts Timeouter, now time.Time) *Reaper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(store, timeouts, logger, config.APIConfig{PrebuildTimeout: time.Hour, ReaperInterval: time.Second})
	r.now = func() time.Time { return now }
	return r
}

func TestReaperTimesOutStalePrebuilds(t *testing.T) {
	now := time.Now()
	store := &testStore{prebuilds: []domain.Prebuild{
		{ID: "old", State: domain.PrebuildStateBuilding, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "fresh", State: domain.PrebuildStateQueued, CreatedAt: now.Add(-time.Minute)},
	}}
	timeouts := &testTimeouter{}
	r := newTestReaper(store, timeouts, now)

	if n := r.sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 prebuild reaped, got %d", n)
	}
	if len(timeouts.timedOut) != 1 || timeouts.timedOut[0] != "old" {
		t.Fatalf("expected only old prebuild timed out, got %v", timeouts.timedOut)
	}
	if !store.before.Equal(now.Add(-time.Hour)) {
		t.Fatalf("expected cutoff %v, got %v", now.Add(-time.Hour), store.before)
	}
}

func TestReaperContinuesAfterFailure(t *testing.T) {
	now := time.Now()
	store := &testStore{prebuilds: []domain.Prebuild{
		{ID: "a", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "b", CreatedAt: now.Add(-2 * time.Hour)},
	}}
	timeouts := &testTimeouter{failFor: map[string]bool{"a": true}}
	r := newTestReaper(store, timeouts, now)

	if n := r.sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 prebuild reaped, got %d", n)
	}
	if len(timeouts.timedOut) != 1 || timeouts.timedOut[0] != "b" {
		t.Fatalf("expected b timed out, got %v", timeouts.timedOut)
	}
}

func TestReaperListFailure(t *testing.T) {
	store := &testStore{err: errors.New("db down")}
	r := newTestReaper(store, &testTimeouter{}, time.Now())
	if n := r.sweep(context.Background()); n != 0 {
		t.Fatalf("expected nothing reaped, got %d", n)
	}
}

func TestReaperDisabledWithoutTimeout(t *testing.T) {
	if r := New(&testStore{}, &testTimeouter{}, nil, config.APIConfig{}); r != nil {
		t.Fatalf("expected nil reaper when timeout is disabled")
	}
	var r *Reaper
	r.Run(context.Background())
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	store := &testStore{}
	r := newTestReaper(store, &testTimeouter{}, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reaper to stop after cancel")
	}
}
