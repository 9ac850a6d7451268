package wayland

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kstack-dev/kstack/pkg/initsys"
)

// Backend names the autostart mechanism a launcher set ended up with.
type Backend int

const (
	NoBackend Backend = iota
	SystemdUser
	OpenRCUser
)

// LauncherSet describes the files written for one preset.
type LauncherSet struct {
	Preset      Preset
	Wrapper     string
	DesktopFile string
	Backend     Backend
	BackendFile string
	Autostart   string
}

// initDetector is the slice of initsys.Control the launcher needs.
type initDetector interface {
	Init() initsys.Init
}

// Launcher writes KlipperScreen launch helpers into the user's home.
type Launcher struct {
	log  *zap.SugaredLogger
	init initDetector

	// Home overrides the target home directory, mainly for tests.
	Home string
	// ScreenDir and EnvDir locate the KlipperScreen checkout and its venv.
	ScreenDir string
	EnvDir    string

	getenv func(string) string
}

// NewLauncher returns a Launcher for the current user.
func NewLauncher(log *zap.SugaredLogger, init *initsys.Control, screenDir, envDir string) *Launcher {
	home, _ := os.UserHomeDir()
	return &Launcher{
		log:       log,
		init:      init,
		Home:      home,
		ScreenDir: screenDir,
		EnvDir:    envDir,
		getenv:    os.Getenv,
	}
}

// sortedEnv returns preset env keys in stable order.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Configure writes the wrapper script, desktop entry, and the autostart
// backend matching the host's init system.
func (l *Launcher) Configure(preset Preset) (*LauncherSet, error) {
	wrapper, err := l.writeWrapper(preset)
	if err != nil {
		return nil, err
	}
	desktop, err := l.writeDesktopEntry(preset, wrapper)
	if err != nil {
		return nil, err
	}

	set := &LauncherSet{
		Preset:      preset,
		Wrapper:     wrapper,
		DesktopFile: desktop,
	}

	switch l.init.Init() {
	case initsys.Systemd:
		path, err := l.writeSystemdUserService(preset, wrapper)
		if err != nil {
			return nil, err
		}
		set.Backend, set.BackendFile = SystemdUser, path
	case initsys.OpenRC:
		path, err := l.writeOpenRCUserService(preset, wrapper)
		if err != nil {
			return nil, err
		}
		set.Backend, set.BackendFile = OpenRCUser, path
	default:
		l.log.Warn("unsupported init system for user services, wrote desktop entry only")
	}

	if shell := l.DetectShell(); shell != "" && preset.MatchesShell(shell) {
		path, err := l.writeAutostartEntry(preset, wrapper, shell)
		if err != nil {
			return nil, err
		}
		set.Autostart = path
	}
	return set, nil
}

func (l *Launcher) writeWrapper(preset Preset) (string, error) {
	binDir := filepath.Join(l.Home, ".local", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", binDir, err)
	}
	path := filepath.Join(binDir, "klipperscreen-"+preset.slug()+"-wayland.sh")

	lines := []string{
		"#!/bin/sh",
		"set -eu",
		`export KS_DIR="` + l.ScreenDir + `"`,
		`export KS_ENV="` + l.EnvDir + `"`,
		`export KS_XCLIENT="` + l.EnvDir + "/bin/python " + l.ScreenDir + `/screen.py"`,
		`export BACKEND="w"`,
		`export XDG_RUNTIME_DIR="${XDG_RUNTIME_DIR:-/run/user/$(id -u)}"`,
	}
	for _, key := range sortedEnv(preset.Env) {
		value := strings.ReplaceAll(preset.Env[key], `"`, `\"`)
		lines = append(lines, fmt.Sprintf(`export %s="%s"`, key, value))
	}
	lines = append(lines, `exec "`+l.ScreenDir+`/scripts/KlipperScreen-start.sh" "$@"`)

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o755); err != nil {
		return "", fmt.Errorf("writing wrapper: %w", err)
	}
	l.log.Infow("created Wayland wrapper", "path", path)
	return path, nil
}

func (l *Launcher) writeDesktopEntry(preset Preset, wrapper string) (string, error) {
	dir := filepath.Join(l.Home, ".local", "share", "applications")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "klipperscreen-"+preset.slug()+".desktop")

	content := strings.Join([]string{
		"[Desktop Entry]",
		"Type=Application",
		"Name=KlipperScreen (" + preset.Name + ")",
		"Comment=Launch KlipperScreen with the " + preset.Desktop + " Wayland preset",
		"Exec=" + wrapper,
		"Icon=klipperscreen",
		"Terminal=false",
		"Categories=Utility;System;",
		"Keywords=klipper;klipperscreen;wayland;",
	}, "\n") + "\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing desktop entry: %w", err)
	}
	return path, nil
}

func (l *Launcher) writeSystemdUserService(preset Preset, wrapper string) (string, error) {
	dir := filepath.Join(l.Home, ".config", "systemd", "user")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "klipperscreen-"+preset.slug()+".service")

	var envLines []string
	for _, key := range sortedEnv(preset.Env) {
		value := preset.Env[key]
		// systemd needs quoting when the value contains spaces
		if strings.Contains(value, " ") {
			envLines = append(envLines, fmt.Sprintf("Environment=%q", key+"="+value))
		} else {
			envLines = append(envLines, "Environment="+key+"="+value)
		}
	}

	content := strings.Join([]string{
		"[Unit]",
		"Description=KlipperScreen (" + preset.Name + " Wayland preset)",
		"After=graphical-session.target",
		"PartOf=graphical-session.target",
		"",
		"[Service]",
		"Type=simple",
		"Restart=on-failure",
		"Environment=KS_DIR=" + l.ScreenDir,
		"Environment=KS_ENV=" + l.EnvDir,
		`Environment="KS_XCLIENT=` + l.EnvDir + "/bin/python " + l.ScreenDir + `/screen.py"`,
		"Environment=BACKEND=w",
		"Environment=XDG_RUNTIME_DIR=%t",
		strings.Join(envLines, "\n"),
		"ExecStart=" + wrapper,
		"",
		"[Install]",
		"WantedBy=default.target",
	}, "\n") + "\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing user service: %w", err)
	}
	return path, nil
}

// openRCServiceTemplate waits for Moonraker before launching the screen so a
// slow Klipper start does not leave the UI stuck on a connection error.
const openRCServiceTemplate = `#!/sbin/openrc-run
description="KlipperScreen (%s Wayland preset)"
command="%s"
command_background="yes"
pidfile="/run/$RC_SVCNAME.pid"
name="klipperscreen-%s"

depend() {
    need net
}

wait_for_moonraker() {
    local url="${MOONRAKER_URL:-http://127.0.0.1:7125/server/info}"
    local tries=60
    local have_client=""
    if command -v wget >/dev/null 2>&1; then
        have_client="wget"
    elif command -v curl >/dev/null 2>&1; then
        have_client="curl"
    fi

    if [ -z "$have_client" ]; then
        ewarn "No curl/wget available to probe Moonraker; starting immediately."
        return 0
    fi

    while [ $tries -gt 0 ]; do
        if [ "$have_client" = "wget" ]; then
            wget -qO- "$url" >/dev/null 2>&1 && return 0
        else
            curl -fsS "$url" >/dev/null 2>&1 && return 0
        fi
        sleep 2
        tries=$((tries - 1))
    done
    ewarn "Moonraker did not become ready in time; continuing regardless."
    return 0
}

start_pre() {
    wait_for_moonraker
}
`

func (l *Launcher) writeOpenRCUserService(preset Preset, wrapper string) (string, error) {
	dir := filepath.Join(l.Home, ".config", "openrc", "init.d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "klipperscreen-"+preset.slug())

	content := fmt.Sprintf(openRCServiceTemplate, preset.Name, wrapper, preset.slug())
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return "", fmt.Errorf("writing openrc service: %w", err)
	}
	return path, nil
}

func (l *Launcher) writeAutostartEntry(preset Preset, wrapper, shell string) (string, error) {
	dir := filepath.Join(l.Home, ".config", "autostart")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "klipperscreen-"+preset.slug()+"-autostart.desktop")

	lines := []string{
		"[Desktop Entry]",
		"Type=Application",
		"Name=KlipperScreen (" + preset.Name + ")",
		"Comment=Autostart KlipperScreen in the " + preset.Desktop + " session",
		"Exec=" + wrapper,
		"X-GNOME-Autostart-enabled=true",
	}
	switch shell {
	case "phosh":
		lines = append(lines, "OnlyShowIn=GNOME;Phosh;")
	case "plasma":
		lines = append(lines, "OnlyShowIn=KDE;Plasma;")
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing autostart entry: %w", err)
	}
	return path, nil
}

// DetectShell identifies the running mobile shell from the session
// environment, or returns "".
func (l *Launcher) DetectShell() string {
	var parts []string
	for _, name := range []string{"XDG_CURRENT_DESKTOP", "DESKTOP_SESSION", "XDG_SESSION_DESKTOP"} {
		if v := l.getenv(name); v != "" {
			parts = append(parts, v)
		}
	}
	combined := strings.ToLower(strings.Join(parts, ":"))
	switch {
	case strings.Contains(combined, "phosh"):
		return "phosh"
	case strings.Contains(combined, "plasma"):
		return "plasma"
	case strings.Contains(combined, "sxmo"):
		return "sxmo"
	default:
		return ""
	}
}
