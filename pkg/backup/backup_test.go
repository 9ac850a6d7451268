package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testService(t *testing.T) *Service {
	t.Helper()
	log, _ := zap.NewDevelopment()
	n := 0
	return &Service{
		log: log.Sugar(),
		now: func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		id: func() string {
			n++
			return []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "dddddddd"}[n-1]
		},
		Root: t.TempDir(),
	}
}

func TestNewSnapshot(t *testing.T) {
	s := testService(t)
	dir, err := s.NewSnapshot("klipper")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "klipper-20250601-120000-aaaaaaaa" {
		t.Fatalf("got %q", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("snapshot dir not created")
	}
}

func TestSnapshotsDoNotCollide(t *testing.T) {
	s := testService(t)
	first, err := s.NewSnapshot("klipper")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.NewSnapshot("klipper")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("same-second snapshots collided")
	}
}

func TestBackupFile(t *testing.T) {
	s := testService(t)
	snapshot, err := s.NewSnapshot("moonraker")
	if err != nil {
		t.Fatal(err)
	}

	source := filepath.Join(t.TempDir(), "moonraker.conf")
	if err := os.WriteFile(source, []byte("[server]\nport: 7125\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.BackupFile(snapshot, source); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(snapshot, "moonraker.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "port: 7125") {
		t.Fatalf("content = %q", data)
	}
}

func TestBackupFileMissingSourceSkipped(t *testing.T) {
	s := testService(t)
	snapshot, err := s.NewSnapshot("moonraker")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.BackupFile(snapshot, filepath.Join(t.TempDir(), "absent.conf")); err != nil {
		t.Fatal(err)
	}
}

func TestBackupDir(t *testing.T) {
	s := testService(t)
	snapshot, err := s.NewSnapshot("mainsail")
	if err != nil {
		t.Fatal(err)
	}

	source := filepath.Join(t.TempDir(), "mainsail")
	if err := os.MkdirAll(filepath.Join(source, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "assets", "app.js"), []byte("js"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.BackupDir(snapshot, source); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"mainsail/index.html", "mainsail/assets/app.js"} {
		if _, err := os.Stat(filepath.Join(snapshot, rel)); err != nil {
			t.Fatalf("missing %s", rel)
		}
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	s := testService(t)
	for _, name := range []string{
		"klipper-20250101-000000-aaaaaaaa",
		"klipper-20250201-000000-bbbbbbbb",
		"klipper-20250301-000000-cccccccc",
		"moonraker-20250101-000000-dddddddd",
	} {
		if err := os.MkdirAll(filepath.Join(s.Root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Prune("klipper", 2); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{
		"klipper-20250201-000000-bbbbbbbb",
		"klipper-20250301-000000-cccccccc",
		"moonraker-20250101-000000-dddddddd",
	}
	if len(names) != len(want) {
		t.Fatalf("got %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}
