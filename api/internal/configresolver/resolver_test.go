package configresolver

import (
	"context"
	"errors"
	"testing"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/scm"
)

type fileProvider struct {
	files map[string]string
	err   error
}

func (p fileProvider) GetCommitHistory(context.Context, *domain.User, domain.Repository, string, int) ([]string, error) {
	return nil, nil
}

func (p fileProvider) GetCommitInfo(context.Context, *domain.User, domain.Repository, string) (*domain.CommitInfo, error) {
	return nil, errors.New("not implemented")
}

func (p fileProvider) GetDefaultBranch(context.Context, *domain.User, domain.Repository) (string, error) {
	return "main", nil
}

func (p fileProvider) ReadFile(_ context.Context, _ *domain.User, _ domain.Repository, _ string, path string) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	content, ok := p.files[path]
	if !ok {
		return nil, scm.ErrFileNotFound
	}
	return []byte(content), nil
}

var ghContext = domain.CommitContext{Repository: domain.Repository{Host: "github.com", CloneURL: "https://github.com/acme/app.git"}, Revision: "abc"}

func newResolver(p scm.Provider) Resolver {
	reg := scm.NewRegistry()
	if p != nil {
		reg.Register("github.com", p)
	}
	return New(reg, "default:latest")
}

func TestFetchConfigFromRepository(t *testing.T) {
	r := newResolver(fileProvider{files: map[string]string{
		".gitpod.yml": "image: node:20\ntasks:\n  - name: web\n    init: npm ci\n    command: npm start\n",
	}})
	cfg, err := r.FetchConfig(context.Background(), nil, ghContext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Origin != domain.ConfigOriginRepo {
		t.Fatalf("expected repo origin, got %s", cfg.Origin)
	}
	if cfg.Image == nil || cfg.Image.Ref != "node:20" {
		t.Fatalf("unexpected image %+v", cfg.Image)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].Init != "npm ci" || cfg.Tasks[0].Command != "npm start" {
		t.Fatalf("unexpected tasks %+v", cfg.Tasks)
	}
}

func TestFetchConfigDefaults(t *testing.T) {
	cfg, err := newResolver(fileProvider{}).FetchConfig(context.Background(), nil, ghContext)
	if err != nil || cfg.Origin != domain.ConfigOriginDefault {
		t.Fatalf("expected default config, got %+v, %v", cfg, err)
	}
	cfg, err = newResolver(nil).FetchConfig(context.Background(), nil, ghContext)
	if err != nil || cfg.Origin != domain.ConfigOriginDefault {
		t.Fatalf("expected default config without provider, got %+v, %v", cfg, err)
	}
}

func TestFetchConfigPropagatesReadErrors(t *testing.T) {
	boom := errors.New("boom")
	if _, err := newResolver(fileProvider{err: boom}).FetchConfig(context.Background(), nil, ghContext); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestParseDockerfileImage(t *testing.T) {
	cfg, err := Parse([]byte("image:\n  file: .gitpod.Dockerfile\n  context: docker\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Image == nil || cfg.Image.File != ".gitpod.Dockerfile" || cfg.Image.Context != "docker" {
		t.Fatalf("unexpected image %+v", cfg.Image)
	}
	if _, err := Parse([]byte("image: [a, b]\n")); err == nil {
		t.Fatal("expected error for list image")
	}
}

func TestParseAddCheck(t *testing.T) {
	cases := map[string]domain.CheckMode{
		"tasks: []\n": domain.CheckModeDefault,
		"github:\n  prebuilds:\n    addCheck: true\n":                   domain.CheckModeDefault,
		"github:\n  prebuilds:\n    addCheck: false\n":                  domain.CheckModeDisabled,
		"github:\n  prebuilds:\n    addCheck: prevent-merge-on-error\n": domain.CheckModePreventMergeOnError,
	}
	for raw, want := range cases {
		cfg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if cfg.AddCheck != want {
			t.Fatalf("expected %q for %q, got %q", want, raw, cfg.AddCheck)
		}
	}
	if _, err := Parse([]byte("github:\n  prebuilds:\n    addCheck: sometimes\n")); err == nil {
		t.Fatalf("expected error for unknown addCheck value")
	}
}

func TestImageSource(t *testing.T) {
	r := newResolver(fileProvider{files: map[string]string{"docker/.gitpod.Dockerfile": "FROM node:20\n"}})

	src, err := r.ImageSource(context.Background(), nil, ghContext, domain.WorkspaceConfig{})
	if err != nil || src.BaseImageResolved != "default:latest" {
		t.Fatalf("expected default image, got %+v, %v", src, err)
	}

	src, err = r.ImageSource(context.Background(), nil, ghContext, domain.WorkspaceConfig{Image: &domain.ImageConfig{Ref: "node:20"}})
	if err != nil || src.BaseImageResolved != "node:20" {
		t.Fatalf("expected node:20, got %+v, %v", src, err)
	}

	cfg := domain.WorkspaceConfig{Image: &domain.ImageConfig{File: ".gitpod.Dockerfile", Context: "docker"}}
	first, err := r.ImageSource(context.Background(), nil, ghContext, cfg)
	if err != nil {
		t.Fatalf("dockerfile image: %v", err)
	}
	if first.DockerFilePath != "docker/.gitpod.Dockerfile" || len(first.DockerFileHash) != 64 {
		t.Fatalf("unexpected dockerfile source %+v", first)
	}
	other := newResolver(fileProvider{files: map[string]string{"docker/.gitpod.Dockerfile": "FROM node:22\n"}})
	second, _ := other.ImageSource(context.Background(), nil, ghContext, cfg)
	if first.String() == second.String() {
		t.Fatal("expected different dockerfile contents to yield different sources")
	}
}
