package components

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSystemDependencies(t *testing.T) {
	content := `{
  "debian": [
    "python3-virtualenv",
    "python3-dev; distro_version >= 11",
    "  libopenjp2-7  "
  ],
  "centos stream": ["python3-devel"]
}`
	path := filepath.Join(t.TempDir(), "system-dependencies.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	deps, err := ParseSystemDependencies(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	debian := deps["debian"]
	want := []string{"python3-virtualenv", "python3-dev", "libopenjp2-7"}
	if len(debian) != len(want) {
		t.Fatalf("got %v, want %v", debian, want)
	}
	for i, pkg := range want {
		if debian[i] != pkg {
			t.Errorf("entry %d: got %q, want %q", i, debian[i], pkg)
		}
	}
}

func TestParseSystemDependenciesMissingFile(t *testing.T) {
	if _, err := ParseSystemDependencies(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDependenciesForDistro(t *testing.T) {
	deps := map[string][]string{
		"debian": {"python3-dev"},
		"fedora": {"python3-devel"},
	}

	if got := DependenciesForDistro(deps, "fedora"); len(got) != 1 || got[0] != "python3-devel" {
		t.Errorf("direct match lost, got %v", got)
	}
	// alpine reuses the debian list
	if got := DependenciesForDistro(deps, "alpine"); len(got) != 1 || got[0] != "python3-dev" {
		t.Errorf("alpine fallback lost, got %v", got)
	}
	if got := DependenciesForDistro(deps, "arch"); got != nil {
		t.Errorf("expected nil for unknown distro, got %v", got)
	}
}
