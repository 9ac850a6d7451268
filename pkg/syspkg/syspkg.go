// Package syspkg drives the host's package manager. Debian-family hosts use
// apt-get/dpkg-query, Alpine/postmarketOS hosts use apk; package names are
// written against the Debian naming and translated for apk.
package syspkg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager identifies the package manager family on this host.
type Manager int

const (
	Unknown Manager = iota
	APT
	APK
)

func (m Manager) String() string {
	switch m {
	case APT:
		return "apt"
	case APK:
		return "apk"
	default:
		return "unknown"
	}
}

// aptListRefreshWindow is how old the apt cache may get before
// UpdatePackageLists actually runs apt-get update.
const aptListRefreshWindow = 6 * time.Hour

// apkTranslations maps Debian package names to their Alpine equivalents.
// Packages without an entry keep their name.
var apkTranslations = map[string]string{
	"python3-virtualenv": "py3-virtualenv",
	"python3-pip":        "py3-pip",
	"python3-dev":        "python3-dev",
	"python3-setuptools": "py3-setuptools",
	"python3-numpy":      "py3-numpy",
	"python3-matplotlib": "py3-matplotlib",
	"libatlas-base-dev":  "atlas-dev",
	"libopenblas-dev":    "openblas-dev",
	"libyaml-dev":        "yaml-dev",
	"build-essential":    "build-base",
	"dpkg-dev":           "dpkg",
}

// runFunc executes a command and returns combined output plus the exit code.
// Exit code -1 means the command could not be started.
type runFunc func(args ...string) (string, int)

// System wraps package manager operations. Detection runs once and is
// cached for the lifetime of the System.
type System struct {
	log *zap.SugaredLogger

	lookPath func(string) (string, error)
	run      runFunc
	now      func() time.Time

	once    sync.Once
	manager Manager
}

// New returns a System using the real package manager binaries.
func New(log *zap.SugaredLogger) *System {
	return &System{
		log:      log,
		lookPath: exec.LookPath,
		run:      runCombined,
		now:      time.Now,
	}
}

// Manager detects the host's package manager family, once.
func (s *System) Manager() Manager {
	s.once.Do(func() {
		if s.which("apt-get") && s.which("dpkg-query") {
			s.manager = APT
		} else if s.which("apk") {
			s.manager = APK
		} else {
			s.manager = Unknown
		}
	})
	return s.manager
}

func (s *System) which(name string) bool {
	_, err := s.lookPath(name)
	return err == nil
}

// Resolve maps package names to the given manager's naming, removing
// duplicates while keeping order.
func Resolve(packages []string, manager Manager) []string {
	resolved := make([]string, 0, len(packages))
	seen := make(map[string]bool, len(packages))
	for _, pkg := range packages {
		name := pkg
		if manager == APK {
			if mapped, ok := apkTranslations[pkg]; ok {
				name = mapped
			}
		}
		if !seen[name] {
			seen[name] = true
			resolved = append(resolved, name)
		}
	}
	return resolved
}

// HasEquivalent reports whether the package has a known name under the given
// manager. On APT every name is assumed valid; on APK a package counts only
// when it translates or passes through unchanged into the apk index naming.
func HasEquivalent(pkg string, manager Manager) bool {
	if manager != APK {
		return manager == APT
	}
	if _, ok := apkTranslations[pkg]; ok {
		return true
	}
	// Debian-only metapackages have no apk counterpart.
	return !strings.HasPrefix(pkg, "lib") && pkg != "packagekit"
}

// ParsePackagesFromScript extracts package names from shell scripts that
// declare them as PKGLIST="pkg1 pkg2 ..." lines.
func ParsePackagesFromScript(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var packages []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "PKGLIST=") {
			continue
		}
		line = strings.ReplaceAll(line, `"`, "")
		line = strings.TrimPrefix(line, "PKGLIST=")
		line = strings.ReplaceAll(line, "${PKGLIST}", "")
		packages = append(packages, strings.Fields(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return packages, nil
}

// UpdatePackageLists refreshes the package index. On APT the refresh is
// skipped while the cache is younger than the refresh window.
func (s *System) UpdatePackageLists(silent, allowReleaseInfoChange bool) error {
	switch s.Manager() {
	case APT:
		if s.aptCacheFresh() {
			return nil
		}
		if !silent {
			s.log.Info("updating package list ...")
		}
		cmd := []string{"sudo", "apt-get", "update"}
		if allowReleaseInfoChange {
			cmd = append(cmd, "--allow-releaseinfo-change")
		}
		if out, code := s.run(cmd...); code != 0 {
			return fmt.Errorf("apt-get update: %s", strings.TrimSpace(out))
		}
	case APK:
		if !silent {
			s.log.Info("updating package list ...")
		}
		if out, code := s.run("sudo", "apk", "update"); code != 0 {
			return fmt.Errorf("apk update: %s", strings.TrimSpace(out))
		}
	default:
		s.log.Warn("unsupported package manager, skipping package list update")
	}
	return nil
}

func (s *System) aptCacheFresh() bool {
	var newest time.Time
	for _, p := range []string{
		"/var/lib/apt/periodic/update-success-stamp",
		"/var/lib/apt/lists",
	} {
		if info, err := os.Stat(p); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return s.now().Sub(newest) <= aptListRefreshWindow
}

// Upgradable lists packages with pending upgrades.
func (s *System) Upgradable() ([]string, error) {
	switch s.Manager() {
	case APT:
		out, code := s.run("apt", "list", "--upgradable")
		if code != 0 {
			return nil, errors.New("reading upgradable packages failed")
		}
		return parseAptUpgradable(out), nil
	case APK:
		out, code := s.run("apk", "version", "-l", "<")
		if code != 0 {
			return nil, errors.New("reading upgradable packages failed")
		}
		return parseApkUpgradable(out), nil
	default:
		s.log.Warn("unsupported package manager, cannot determine upgradable packages")
		return nil, nil
	}
}

// parseAptUpgradable extracts package names from apt list --upgradable
// output, where each entry reads "name/suite version arch [upgradable ...]".
func parseAptUpgradable(out string) []string {
	var packages []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "/") {
			continue
		}
		packages = append(packages, strings.SplitN(line, "/", 2)[0])
	}
	return packages
}

// parseApkUpgradable extracts package names from apk version -l '<' output.
func parseApkUpgradable(out string) []string {
	var packages []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pkg := fields[0]
		if pkg == "Installed:" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		packages = append(packages, pkg)
	}
	return packages
}

// Missing returns the subset of packages not currently installed, in the
// manager's naming.
func (s *System) Missing(packages []string) ([]string, error) {
	manager := s.Manager()
	toCheck := Resolve(packages, manager)

	var missing []string
	switch manager {
	case APT:
		for _, pkg := range toCheck {
			out, _ := s.run("dpkg-query", "-f", "${Status}", "--show", pkg)
			if !strings.Contains(out, "installed") || strings.Contains(out, "not-installed") {
				missing = append(missing, pkg)
			}
		}
	case APK:
		for _, pkg := range toCheck {
			if _, code := s.run("apk", "info", "-e", pkg); code != 0 {
				missing = append(missing, pkg)
			}
		}
	default:
		s.log.Warn("unsupported package manager, assuming packages are missing")
		missing = toCheck
	}
	return missing, nil
}

// Install installs the given packages, translating names as needed.
func (s *System) Install(packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	manager := s.Manager()
	resolved := Resolve(packages, manager)

	var cmd []string
	switch manager {
	case APT:
		cmd = append([]string{"sudo", "apt-get", "install", "-y"}, resolved...)
	case APK:
		cmd = append([]string{"sudo", "apk", "add", "--no-cache"}, resolved...)
	default:
		return errors.New("unsupported package manager")
	}

	if out, code := s.run(cmd...); code != 0 {
		return fmt.Errorf("installing packages: %s", strings.TrimSpace(out))
	}
	s.log.Info("packages successfully installed")
	return nil
}

// Upgrade upgrades the given packages.
func (s *System) Upgrade(packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	manager := s.Manager()
	resolved := Resolve(packages, manager)

	var cmd []string
	switch manager {
	case APT:
		cmd = append([]string{"sudo", "apt-get", "upgrade", "-y"}, resolved...)
	case APK:
		cmd = append([]string{"sudo", "apk", "upgrade"}, resolved...)
	default:
		return errors.New("unsupported package manager")
	}

	if out, code := s.run(cmd...); code != 0 {
		return fmt.Errorf("upgrading packages: %s", strings.TrimSpace(out))
	}
	s.log.Info("packages successfully upgraded")
	return nil
}

func runCombined(args ...string) (string, int) {
	cmd := exec.Command(args[0], args[1:]...)
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
