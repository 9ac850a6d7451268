// Package backup snapshots component directories and config files before
// destructive operations like updates and removals.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service writes snapshots below Root, one directory per snapshot.
type Service struct {
	log *zap.SugaredLogger
	now func() time.Time
	id  func() string

	// Root is the backup base directory, ~/kstack-backups by default.
	Root string
}

// New returns a Service rooted in the user's home.
func New(log *zap.SugaredLogger) *Service {
	home, _ := os.UserHomeDir()
	return &Service{
		log:  log,
		now:  time.Now,
		id:   func() string { return uuid.NewString()[:8] },
		Root: filepath.Join(home, "kstack-backups"),
	}
}

// NewSnapshot creates a fresh snapshot directory for the named component.
// The directory name carries a timestamp plus a short random id so two
// snapshots within the same second cannot collide.
func (s *Service) NewSnapshot(name string) (string, error) {
	dir := filepath.Join(s.Root, fmt.Sprintf("%s-%s-%s", name, s.now().Format("20060102-150405"), s.id()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}
	s.log.Infow("created backup snapshot", "dir", dir)
	return dir, nil
}

// BackupFile copies a single file into the snapshot directory. A missing
// source is skipped silently so callers can back up optional configs.
func (s *Service) BackupFile(snapshot, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a file", source)
	}
	return copyFile(source, filepath.Join(snapshot, filepath.Base(source)), info.Mode())
}

// BackupDir copies a directory tree into the snapshot directory under its
// base name. Symlinks are recreated, not followed.
func (s *Service) BackupDir(snapshot, source string) error {
	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", source, err)
	}
	target := filepath.Join(snapshot, filepath.Base(source))
	s.log.Infow("backing up directory", "source", source, "target", target)
	return copyTree(source, target)
}

func copyTree(source, target string) error {
	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, dest)
		case info.IsDir():
			return os.MkdirAll(dest, info.Mode().Perm())
		default:
			return copyFile(path, dest, info.Mode())
		}
	})
}

func copyFile(source, dest string, mode os.FileMode) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s: %w", source, err)
	}
	return out.Close()
}

// Prune removes all but the newest keep snapshots of a component.
func (s *Service) Prune(name string, keep int) error {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", s.Root, err)
	}

	var matching []string
	prefix := name + "-"
	for _, entry := range entries {
		if entry.IsDir() && len(entry.Name()) > len(prefix) && entry.Name()[:len(prefix)] == prefix {
			matching = append(matching, entry.Name())
		}
	}
	// names sort chronologically thanks to the timestamp segment
	if len(matching) <= keep {
		return nil
	}
	for _, stale := range matching[:len(matching)-keep] {
		s.log.Infow("pruning old snapshot", "dir", stale)
		if err := os.RemoveAll(filepath.Join(s.Root, stale)); err != nil {
			return fmt.Errorf("removing %s: %w", stale, err)
		}
	}
	return nil
}
