package components

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kstack-dev/kstack/pkg/cfgfile"
	"github.com/kstack-dev/kstack/pkg/initsys"
	"github.com/kstack-dev/kstack/pkg/syspkg"
	"github.com/kstack-dev/kstack/pkg/venv"
)

// moonrakerBootstrapDeps are needed before the checkout exists. The full
// dependency list is read from the checkout afterwards.
var moonrakerBootstrapDeps = []string{
	"git",
	"python3-virtualenv",
}

// aptWrapperTarget is where the apk compatibility wrapper lives on
// Alpine-family hosts. Moonraker's update manager shells out to apt; the
// wrapper translates those calls to apk.
const aptWrapperTarget = "/usr/local/lib/moonraker/apk-apt-wrapper"

var aptWrapperLinks = []string{
	"/usr/local/bin/apt",
	"/usr/local/bin/apt-get",
	"/usr/local/bin/apt-cache",
}

const aptWrapperScript = `#!/bin/sh
# apt-compatible command wrappers backed by apk, for Moonraker's update
# manager. Invoked through the apt, apt-get, and apt-cache symlinks.
set -eu

die() {
    echo "apk-apt-wrapper: $*" >&2
    exit 1
}

command -v apk >/dev/null 2>&1 || die "apk executable not found in PATH"

cmd=$(basename "$0")
sub=${1:-}
[ $# -gt 0 ] && shift

list_upgradable() {
    echo "Listing..."
    echo "Done"
    apk list -u 2>/dev/null | while read -r line; do
        name=${line%%-[0-9]*}
        oldver=${line#"$name"-}
        oldver=${oldver%% *}
        newver=$(echo "$line" | sed -n 's/.*available (\([^)]*\)).*/\1/p')
        [ -n "$newver" ] || continue
        echo "$name/apk $newver [upgradable from: $oldver]"
    done
    exit 0
}

cache_search() {
    [ "${1:-}" = "--names-only" ] || die "only --names-only searches are supported"
    pattern=${2:-}
    [ -n "$pattern" ] || die "missing search pattern"
    for name in $(echo "$pattern" | tr '|' ' '); do
        name=${name#^}
        name=${name%$}
        out=$(apk search -e "$name" 2>/dev/null | head -n1)
        [ -n "$out" ] || continue
        echo "${out%-[0-9]*} - apk package"
    done
    exit 0
}

strip_flags() {
    for arg in "$@"; do
        case $arg in
        -*) ;;
        *) printf '%s ' "$arg" ;;
        esac
    done
}

case $cmd in
apt)
    [ "$sub" = "list" ] && [ "${1:-}" = "--upgradable" ] && list_upgradable
    die "unsupported apt command: $sub $*"
    ;;
apt-get)
    case $sub in
    update) exec apk update ;;
    upgrade) exec apk upgrade ;;
    install)
        pkgs=$(strip_flags "$@")
        [ -n "$pkgs" ] || die "no packages provided to install"
        # shellcheck disable=SC2086
        exec apk add --upgrade $pkgs
        ;;
    esac
    die "unsupported apt-get command: $sub $*"
    ;;
apt-cache)
    [ "$sub" = "search" ] && cache_search "$@"
    die "unsupported apt-cache command: $sub $*"
    ;;
esac
die "unsupported command wrapper: $cmd"
`

// exampleMoonrakerConf is the configuration written for fresh installations.
// Port, socket path, and trusted clients are patched in afterwards.
const exampleMoonrakerConf = `[server]
host: 0.0.0.0
port: 7125
max_upload_size: 1024
klippy_uds_address: /tmp/klippy_uds

[file_manager]
queue_gcode_uploads: True
enable_object_processing: True

[authorization]
cors_domains:
    https://my.mainsail.xyz
    https://app.fluidd.xyz
    *://*.local
    *://*.lan
trusted_clients:
    10.0.0.0/8
    127.0.0.0/8
    169.254.0.0/16
    172.16.0.0/12
    192.168.0.0/16
    FE80::/10
    ::1/128

[octoprint_compat]

[history]

[announcements]
subscriptions:
    mainsail
    fluidd

[update_manager]
refresh_interval: 168
enable_auto_refresh: True
`

// Moonraker manages the Moonraker API server.
type Moonraker struct {
	deps *Deps
	run  runFunc
}

// NewMoonraker returns the Moonraker component.
func NewMoonraker(deps *Deps) *Moonraker {
	return &Moonraker{deps: deps, run: runWithInput}
}

func (m *Moonraker) Name() string { return "moonraker" }

// Dir is the source checkout location.
func (m *Moonraker) Dir() string { return filepath.Join(m.deps.Home, "moonraker") }

// EnvDir is the python virtualenv location.
func (m *Moonraker) EnvDir() string { return filepath.Join(m.deps.Home, "moonraker-env") }

// ConfFile is the instance configuration file.
func (m *Moonraker) ConfFile() string {
	return filepath.Join(m.deps.ConfigDir(), "moonraker.conf")
}

func (m *Moonraker) serviceFile() string {
	name := "moonraker"
	if m.deps.Init.Init() == initsys.Systemd {
		name += ".service"
	}
	return filepath.Join(m.deps.Init.UnitDir(), name)
}

// Status reports the install state and versions.
func (m *Moonraker) Status(fetchRemote bool) StatusReport {
	report := StatusReport{
		Name:   m.Name(),
		Status: installStatus(m.Dir(), m.EnvDir(), m.serviceFile()),
		Local:  m.deps.Git.Describe(m.Dir()),
	}
	if fetchRemote {
		if tag, err := m.deps.Git.LatestRemoteTag(m.deps.Cfg.Moonraker.RepoURL); err == nil {
			report.Remote = tag
		}
	}
	return report
}

// Install clones Moonraker, installs its declared system dependencies,
// builds the virtualenv, and registers the service.
func (m *Moonraker) Install(ctx context.Context) error {
	log := m.deps.Log
	log.Info("installing Moonraker ...")

	if err := m.deps.Pkgs.UpdatePackageLists(true, false); err != nil {
		return err
	}
	if err := m.installPackages(moonrakerBootstrapDeps); err != nil {
		return err
	}

	cfg := m.deps.Cfg.Moonraker
	if err := m.deps.Git.Clone(cfg.RepoURL, cfg.Branch, m.Dir()); err != nil {
		return err
	}
	if err := m.installSystemDependencies(); err != nil {
		return err
	}

	env := venv.New(log, m.EnvDir(), m.deps.Prompt.Confirm)
	if _, err := env.Create(false); err != nil {
		return err
	}
	if err := env.UpdatePip(); err != nil {
		return err
	}
	if err := env.InstallRequirements(filepath.Join(m.Dir(), "scripts", "moonraker-requirements.txt")); err != nil {
		return err
	}

	for _, dir := range []string{m.deps.ConfigDir(), m.deps.LogDir(), m.deps.CommsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := m.writeExampleConf(); err != nil {
		return err
	}
	if m.deps.Pkgs.Manager() == syspkg.APK {
		if err := m.installAptWrapper(); err != nil {
			return err
		}
	}

	if err := m.writeService(); err != nil {
		return err
	}
	if err := m.deps.Init.Service("moonraker", initsys.Enable); err != nil {
		return err
	}
	if err := m.deps.Init.Service("moonraker", initsys.Start); err != nil {
		return err
	}
	log.Info("Moonraker successfully installed")
	return nil
}

// installSystemDependencies reads the dependency declaration shipped in the
// checkout. Newer Moonraker versions declare them as JSON per distribution,
// older ones only in the install script.
func (m *Moonraker) installSystemDependencies() error {
	log := m.deps.Log

	var packages []string
	depsFile := filepath.Join(m.Dir(), "scripts", "system-dependencies.json")
	if sysdeps, err := ParseSystemDependencies(depsFile); err == nil {
		distro := "debian"
		if m.deps.Pkgs.Manager() == syspkg.APK {
			distro = "alpine"
		}
		packages = DependenciesForDistro(sysdeps, distro)
	} else {
		log.Infow("system-dependencies.json not found, parsing install script", "err", err)
		script := filepath.Join(m.Dir(), "scripts", "install-moonraker.sh")
		if packages, err = syspkg.ParsePackagesFromScript(script); err != nil {
			return fmt.Errorf("parsing Moonraker dependencies: %w", err)
		}
	}
	if len(packages) == 0 {
		return fmt.Errorf("no Moonraker system dependencies found in %s", m.Dir())
	}
	return m.installPackages(packages)
}

func (m *Moonraker) installPackages(packages []string) error {
	missing, err := m.deps.Pkgs.Missing(packages)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	return m.deps.Pkgs.Install(missing...)
}

// writeExampleConf creates moonraker.conf when none exists, then adjusts it
// for this host.
func (m *Moonraker) writeExampleConf() error {
	log := m.deps.Log
	path := m.ConfFile()
	if _, err := os.Stat(path); err == nil {
		log.Infow("moonraker.conf already exists, left untouched", "path", path)
		return m.configureSystemUpdates(path)
	}

	f := cfgfile.Parse(exampleMoonrakerConf)
	f.Set("server", "port", strconv.Itoa(m.deps.Cfg.Moonraker.Port))
	f.Set("server", "klippy_uds_address", filepath.Join(m.deps.CommsDir(), "klippy.sock"))

	// trust the local /16 in front of the defaults
	if subnet := localSubnet(); subnet != "" {
		trusted := append([]string{subnet}, f.GetAll("authorization", "trusted_clients")...)
		f.SetMultiline("authorization", "trusted_clients", trusted)
	}

	if err := f.Save(path); err != nil {
		return err
	}
	log.Infow("example moonraker.conf created", "path", path)
	return m.configureSystemUpdates(path)
}

// configureSystemUpdates adapts the update_manager section to what the host
// can actually do. Alpine hosts go through the apk wrapper instead of
// PackageKit; hosts without a PackageKit package get system updates
// disabled.
func (m *Moonraker) configureSystemUpdates(path string) error {
	f, err := cfgfile.Load(path)
	if err != nil {
		return err
	}

	manager := m.deps.Pkgs.Manager()
	switch {
	case manager == syspkg.APK:
		if f.Get("update_manager", "enable_system_updates") == "False" {
			f.Set("update_manager", "enable_system_updates", "True")
		}
		f.Set("update_manager", "enable_packagekit", "False")
	case !syspkg.HasEquivalent("packagekit", manager):
		m.deps.Log.Info("PackageKit is unavailable on this platform, disabling Moonraker system updates")
		f.Set("update_manager", "enable_system_updates", "False")
	default:
		return nil
	}
	return f.Save(path)
}

// installAptWrapper installs the apk compatibility drop-in and its apt
// command symlinks.
func (m *Moonraker) installAptWrapper() error {
	steps := [][]string{
		{"sudo", "mkdir", "-p", filepath.Dir(aptWrapperTarget)},
		{"sudo", "tee", aptWrapperTarget},
		{"sudo", "chmod", "0755", aptWrapperTarget},
	}
	for _, link := range aptWrapperLinks {
		steps = append(steps, []string{"sudo", "ln", "-sf", aptWrapperTarget, link})
	}
	for _, step := range steps {
		var stdin []byte
		if step[1] == "tee" {
			stdin = []byte(aptWrapperScript)
		}
		if out, code := m.run(stdin, step...); code != 0 {
			return fmt.Errorf("installing apk compatibility wrapper: %s", strings.TrimSpace(out))
		}
	}
	m.deps.Log.Info("installed apk compatibility wrappers for Moonraker system updates")
	return nil
}

func (m *Moonraker) removeAptWrapper() {
	for _, path := range append(append([]string{}, aptWrapperLinks...), aptWrapperTarget) {
		if out, code := m.run(nil, "sudo", "rm", "-f", path); code != 0 {
			m.deps.Log.Warnw("removing apk compatibility wrapper", "path", path, "output", strings.TrimSpace(out))
		}
	}
}

func (m *Moonraker) writeService() error {
	envFile := filepath.Join(m.deps.PrinterDataDir(), "systemd", "moonraker.env")
	if err := os.MkdirAll(filepath.Dir(envFile), 0o755); err != nil {
		return fmt.Errorf("creating env directory: %w", err)
	}

	args := fmt.Sprintf("%s/moonraker/moonraker.py -d %s", m.Dir(), m.deps.PrinterDataDir())
	if err := m.deps.Init.WriteEnvFile(envFile, "MOONRAKER_ARGS="+args+"\n"); err != nil {
		return err
	}

	user := currentUser()
	var name, content string
	if m.deps.Init.Init() == initsys.OpenRC {
		name = "moonraker"
		content = renderOpenRCService("moonraker API server",
			filepath.Join(m.EnvDir(), "bin", "python"), user, envFile, "$MOONRAKER_ARGS")
	} else {
		name = "moonraker.service"
		content = renderSystemdService("API Server for Klipper", user, envFile,
			filepath.Join(m.EnvDir(), "bin", "python")+" $MOONRAKER_ARGS")
	}
	if err := m.deps.Init.WriteUnit(name, content); err != nil {
		return err
	}
	return m.deps.Init.DaemonReload()
}

// Update pulls the checkout and refreshes the virtualenv requirements.
func (m *Moonraker) Update(ctx context.Context) error {
	log := m.deps.Log
	if _, err := os.Stat(m.Dir()); err != nil {
		log.Info("Moonraker is not installed, skipped")
		return nil
	}

	if err := m.deps.Init.Service("moonraker", initsys.Stop); err != nil {
		return err
	}
	if m.deps.Cfg.Kstack.BackupBeforeUpdate {
		if err := m.backup(); err != nil {
			return err
		}
	}
	if err := m.deps.Git.Pull(m.Dir()); err != nil {
		return err
	}
	if err := m.installSystemDependencies(); err != nil {
		return err
	}

	env := venv.New(log, m.EnvDir(), m.deps.Prompt.Confirm)
	if err := env.InstallRequirements(filepath.Join(m.Dir(), "scripts", "moonraker-requirements.txt")); err != nil {
		return err
	}
	if err := m.deps.Init.Service("moonraker", initsys.Start); err != nil {
		return err
	}
	log.Info("Moonraker updated")
	return nil
}

func (m *Moonraker) backup() error {
	snapshot, err := m.deps.Backup.NewSnapshot(m.Name())
	if err != nil {
		return err
	}
	if err := m.deps.Backup.BackupDir(snapshot, m.Dir()); err != nil {
		return err
	}
	if err := m.deps.Backup.BackupDir(snapshot, m.EnvDir()); err != nil {
		return err
	}
	return m.deps.Backup.Prune(m.Name(), m.deps.Cfg.Kstack.BackupKeep)
}

// Remove deletes the service, checkout, virtualenv, and log files. The
// configuration stays in place.
func (m *Moonraker) Remove(ctx context.Context) error {
	log := m.deps.Log
	log.Info("removing Moonraker ...")

	if err := m.deps.Init.RemoveService("moonraker"); err != nil {
		return err
	}
	if m.deps.Pkgs.Manager() == syspkg.APK {
		m.removeAptWrapper()
	}
	for _, dir := range []string{m.Dir(), m.EnvDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}

	entries, err := os.ReadDir(m.deps.LogDir())
	if err == nil {
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "moonraker.log") {
				os.Remove(filepath.Join(m.deps.LogDir(), entry.Name()))
			}
		}
	}
	log.Info("Moonraker successfully removed")
	return nil
}

// localSubnet returns the host's IPv4 network widened to /16, the way LAN
// clients typically reach the printer. Empty when no route is available.
func localSubnet() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	ip := addr.IP.To4()
	if ip == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.0.0/16", ip[0], ip[1])
}
