package gitutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func testRepo(t *testing.T, run runFunc) *Repo {
	t.Helper()
	log, _ := zap.NewDevelopment()
	return &Repo{log: log.Sugar(), run: run}
}

func TestCloneRemovesExistingTarget(t *testing.T) {
	target := filepath.Join(t.TempDir(), "klipper")
	if err := os.MkdirAll(filepath.Join(target, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	var calls [][]string
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := r.Clone("https://example.com/klipper.git", "", target); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("existing checkout not removed before clone")
	}
	want := []string{"clone", "https://example.com/klipper.git", target}
	if !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("got %v, want %v", calls[0], want)
	}
}

func TestCloneBranch(t *testing.T) {
	target := filepath.Join(t.TempDir(), "moonraker")
	var calls [][]string
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := r.Clone("https://example.com/moonraker.git", "devel", target); err != nil {
		t.Fatal(err)
	}
	want := []string{"clone", "--branch", "devel", "--single-branch", "https://example.com/moonraker.git", target}
	if !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("got %v, want %v", calls[0], want)
	}
}

func TestCloneFailureIncludesOutput(t *testing.T) {
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		return "fatal: repository not found\n", 128
	})
	err := r.Clone("https://example.com/nope.git", "", filepath.Join(t.TempDir(), "nope"))
	if err == nil || !reflect.DeepEqual(err.Error(), "cloning https://example.com/nope.git: fatal: repository not found") {
		t.Fatalf("got %v", err)
	}
}

func TestPullRunsStatusCheckFirst(t *testing.T) {
	var calls [][]string
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := r.Pull("/tmp/klipper"); err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"status", "--porcelain"}, {"pull"}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("got %v, want %v", calls, want)
	}
}

func TestPullRefusesDirtyTree(t *testing.T) {
	var calls [][]string
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		calls = append(calls, args)
		return " M klippy/klippy.py\n", 0
	})

	if err := r.Pull("/tmp/klipper"); err == nil {
		t.Fatal("expected error for a dirty working tree")
	}
	if len(calls) != 1 {
		t.Fatalf("pull must stop after the status check, got %v", calls)
	}
}

func TestDescribe(t *testing.T) {
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		return "v0.12.0-45-g1a2b3c4\n", 0
	})
	if got := r.Describe("/tmp/klipper"); got != "v0.12.0-45-g1a2b3c4" {
		t.Fatalf("got %q", got)
	}
}

func TestDescribeNotARepo(t *testing.T) {
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		return "fatal: not a git repository\n", 128
	})
	if got := r.Describe("/tmp/nothing"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestBranchDetachedHead(t *testing.T) {
	r := testRepo(t, func(dir string, args ...string) (string, int) {
		return "HEAD\n", 0
	})
	if got := r.Branch("/tmp/klipper"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestParseLatestTag(t *testing.T) {
	out := `1a2b3c4	refs/tags/v0.12.0
1a2b3c4	refs/tags/v0.12.0^{}
9f8e7d6	refs/tags/v0.11.0
`
	if got := parseLatestTag(out); got != "v0.12.0" {
		t.Fatalf("got %q", got)
	}
	if got := parseLatestTag("abc\trefs/heads/master\n"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestIsRepo(t *testing.T) {
	dir := t.TempDir()
	r := testRepo(t, nil)
	if r.IsRepo(dir) {
		t.Fatal("bare directory reported as repo")
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !r.IsRepo(dir) {
		t.Fatal("repo not detected")
	}
}
