// Package git drives the git CLI to materialize a checkout.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// Checkout clones cloneURL into dest and checks out revision. ref is fetched
// as the local branch name when set so task scripts see a named branch.
// token, when non-empty, is embedded as basic auth for https remotes.
func Checkout(ctx context.Context, cloneURL, revision, ref, dest, token string) error {
	if cloneURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if revision == "" {
		return fmt.Errorf("revision cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	remote, err := authenticatedURL(cloneURL, token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	steps := [][]string{
		{"init", "--quiet"},
		{"remote", "add", "origin", remote},
		{"fetch", "--quiet", "--depth", "1", "origin", revision},
		{"checkout", "--quiet", "--detach", "FETCH_HEAD"},
	}
	if branch := strings.TrimPrefix(ref, "refs/heads/"); branch != "" {
		steps = append(steps, []string{"checkout", "--quiet", "-B", branch})
	}
	// Drop the credential from the stored remote once fetched.
	steps = append(steps, []string{"remote", "set-url", "origin", cloneURL})
	for _, args := range steps {
		if err := run(ctx, dest, args...); err != nil {
			return redact(err, token)
		}
	}
	return nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

func authenticatedURL(cloneURL, token string) (string, error) {
	if token == "" || !(strings.HasPrefix(cloneURL, "https://") || strings.HasPrefix(cloneURL, "http://")) {
		return cloneURL, nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "***"))
}
