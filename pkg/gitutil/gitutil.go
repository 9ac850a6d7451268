// Package gitutil wraps the git operations kstack needs for managing
// component checkouts: clone, update, and version inspection.
package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

type runFunc func(dir string, args ...string) (string, int)

// Repo manages git working copies on the local host.
type Repo struct {
	log *zap.SugaredLogger
	run runFunc
}

// New returns a Repo backed by the git binary.
func New(log *zap.SugaredLogger) *Repo {
	return &Repo{log: log, run: runGit}
}

// Clone clones url into target. A non-empty branch selects that branch
// directly. An existing target is removed first so a half-finished clone
// never survives.
func (r *Repo) Clone(url, branch, target string) error {
	r.log.Infow("cloning repository", "url", url, "target", target)

	if _, err := os.Stat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing existing checkout: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	args := []string{"clone", url, target}
	if branch != "" {
		args = []string{"clone", "--branch", branch, "--single-branch", url, target}
	}
	if out, code := r.run("", args...); code != 0 {
		return fmt.Errorf("cloning %s: %s", url, strings.TrimSpace(out))
	}
	return nil
}

// Pull updates the checkout at dir from its upstream. A dirty working tree
// aborts the update so local modifications are never pulled over.
func (r *Repo) Pull(dir string) error {
	r.log.Infow("updating repository", "dir", dir)
	dirty, err := r.IsDirty(dir)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%s has uncommitted changes, commit or discard them before updating", dir)
	}
	if out, code := r.run(dir, "pull"); code != 0 {
		return fmt.Errorf("pulling %s: %s", dir, strings.TrimSpace(out))
	}
	return nil
}

// IsDirty reports whether the working tree at dir has uncommitted changes.
func (r *Repo) IsDirty(dir string) (bool, error) {
	out, code := r.run(dir, "status", "--porcelain")
	if code != 0 {
		return false, fmt.Errorf("checking %s for local changes: %s", dir, strings.TrimSpace(out))
	}
	return strings.TrimSpace(out) != "", nil
}

// Describe returns the human version of the checkout, the way
// "git describe --always --tags" prints it, or "" when dir is not a
// repository.
func (r *Repo) Describe(dir string) string {
	out, code := r.run(dir, "describe", "--always", "--tags")
	if code != 0 {
		return ""
	}
	return strings.TrimSpace(out)
}

// Branch returns the checked-out branch name, or "" when detached or not a
// repository.
func (r *Repo) Branch(dir string) string {
	out, code := r.run(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if code != 0 {
		return ""
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return ""
	}
	return branch
}

// LatestRemoteTag returns the newest version tag of the remote repository,
// read via ls-remote so no checkout is needed.
func (r *Repo) LatestRemoteTag(url string) (string, error) {
	out, code := r.run("", "ls-remote", "--tags", "--sort=-v:refname", url)
	if code != 0 {
		return "", fmt.Errorf("listing remote tags of %s: %s", url, strings.TrimSpace(out))
	}
	tag := parseLatestTag(out)
	if tag == "" {
		return "", errors.New("remote has no version tags")
	}
	return tag, nil
}

// parseLatestTag picks the first non-peeled tag ref from ls-remote output.
func parseLatestTag(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		ref := fields[1]
		if strings.HasSuffix(ref, "^{}") {
			continue
		}
		if tag := strings.TrimPrefix(ref, "refs/tags/"); tag != ref {
			return tag
		}
	}
	return ""
}

// IsRepo reports whether dir is a git working copy.
func (r *Repo) IsRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func runGit(dir string, args ...string) (string, int) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err == nil {
		return buf.String(), 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.String(), exitErr.ExitCode()
	}
	return buf.String(), -1
}
