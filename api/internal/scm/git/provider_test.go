package git

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/scm"
	"github.com/splax/prebuildd/pkg/crypto"
)

func TestParseCommitInfo(t *testing.T) {
	info, err := parseCommitInfo([]byte("abc123\x00Jane\x00jane@example.com\x002024-01-02T03:04:05Z\x00Fix build\n\nbody\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.SHA != "abc123" || info.Author != "Jane" || info.AuthorEmail != "jane@example.com" {
		t.Fatalf("unexpected commit info %+v", info)
	}
	if info.Message != "Fix build\n\nbody" {
		t.Fatalf("unexpected message %q", info.Message)
	}
	if _, err := parseCommitInfo([]byte("garbage")); err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestAuthConfig(t *testing.T) {
	if cfg := authConfig("github.com", ""); cfg != nil {
		t.Fatalf("expected no config for empty token, got %v", cfg)
	}
	cfg := authConfig("github.com", "secret")
	if len(cfg) != 2 || cfg[0] != "-c" {
		t.Fatalf("unexpected config %v", cfg)
	}
	encoded := strings.TrimPrefix(cfg[1], "http.extraHeader=Authorization: Basic ")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || string(raw) != "x-access-token:secret" {
		t.Fatalf("unexpected credentials %q, %v", raw, err)
	}
	raw, _ = base64.StdEncoding.DecodeString(strings.TrimPrefix(authConfig("gitlab.com", "t")[1], "http.extraHeader=Authorization: Basic "))
	if string(raw) != "oauth2:t" {
		t.Fatalf("unexpected gitlab credentials %q", raw)
	}
}

func TestMirrorNameNormalizesCloneURL(t *testing.T) {
	if mirrorName("https://github.com/acme/app.git") != mirrorName("https://github.com/acme/app") {
		t.Fatal("expected equal mirror names for equivalent clone URLs")
	}
	if mirrorName("https://github.com/acme/app") == mirrorName("https://github.com/acme/other") {
		t.Fatal("expected different mirror names")
	}
}

type identityStore struct {
	repository.IdentityRepository
	identity *domain.Identity
}

func (s identityStore) GetIdentity(context.Context, string, string) (*domain.Identity, error) {
	if s.identity == nil {
		return nil, repository.ErrNotFound
	}
	return s.identity, nil
}

func TestIdentityCredentials(t *testing.T) {
	cipher, err := crypto.NewCipher("k")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, _ := cipher.Encrypt("tok")
	creds := NewIdentityCredentials(identityStore{identity: &domain.Identity{Token: sealed}}, cipher)
	token, err := creds.Token(context.Background(), &domain.User{ID: "u1"}, "github.com")
	if err != nil || token != "tok" {
		t.Fatalf("expected tok, got %q, %v", token, err)
	}
	if token, _ := creds.Token(context.Background(), nil, "github.com"); token != "" {
		t.Fatalf("expected anonymous token, got %q", token)
	}
	missing := NewIdentityCredentials(identityStore{}, cipher)
	if token, err := missing.Token(context.Background(), &domain.User{ID: "u1"}, "github.com"); err != nil || token != "" {
		t.Fatalf("expected empty token for missing identity, got %q, %v", token, err)
	}
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.name=Test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestProviderAgainstLocalRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	src := t.TempDir()
	run(t, src, "init", "--quiet", "--initial-branch=main")
	var commits []string
	for i, content := range []string{"one", "two", "three"} {
		if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if i == 2 {
			if err := os.WriteFile(filepath.Join(src, ".gitpod.yml"), []byte("tasks: []\n"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		run(t, src, "add", ".")
		run(t, src, "commit", "--quiet", "-m", "commit "+content)
		commits = append(commits, run(t, src, "rev-parse", "HEAD"))
	}

	p, err := New(t.TempDir(), 30*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	repo := domain.Repository{Host: "local", CloneURL: src}
	ctx := context.Background()

	history, err := p.GetCommitHistory(ctx, nil, repo, commits[2], 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0] != commits[1] || history[1] != commits[0] {
		t.Fatalf("unexpected history %v", history)
	}
	if history, _ := p.GetCommitHistory(ctx, nil, repo, commits[2], 1); len(history) != 1 {
		t.Fatalf("expected depth limit to apply, got %v", history)
	}

	info, err := p.GetCommitInfo(ctx, nil, repo, commits[1])
	if err != nil || info.SHA != commits[1] || info.Message != "commit two" {
		t.Fatalf("unexpected commit info %+v, %v", info, err)
	}

	branch, err := p.GetDefaultBranch(ctx, nil, repo)
	if err != nil || branch != "main" {
		t.Fatalf("expected main, got %q, %v", branch, err)
	}

	content, err := p.ReadFile(ctx, nil, repo, commits[0], "file.txt")
	if err != nil || string(content) != "one" {
		t.Fatalf("unexpected content %q, %v", content, err)
	}
	if _, err := p.ReadFile(ctx, nil, repo, commits[0], ".gitpod.yml"); !errors.Is(err, scm.ErrFileNotFound) {
		t.Fatalf("expected file not found, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("four"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run(t, src, "commit", "--quiet", "-am", "commit four")
	head := run(t, src, "rev-parse", "HEAD")
	content, err = p.ReadFile(ctx, nil, repo, head, "file.txt")
	if err != nil || string(content) != "four" {
		t.Fatalf("expected mirror to fetch new revision, got %q, %v", content, err)
	}
}
