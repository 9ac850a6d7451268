package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kstack-dev/kstack/pkg/initsys"
	"github.com/kstack-dev/kstack/pkg/syspkg"
)

const (
	crowsnestRepo          = "https://github.com/mainsail-crew/crowsnest.git"
	crowsnestBinFile       = "/usr/local/bin/crowsnest"
	crowsnestLogrotateFile = "/etc/logrotate.d/crowsnest"
)

// Crowsnest manages the webcam streaming service. Debian-family hosts use
// crowsnest's own installer; Alpine hosts get a manual installation since
// the upstream installer only supports apt.
type Crowsnest struct {
	deps   *Deps
	run    runFunc
	runDir func(dir string, args ...string) (string, int)
	now    func() time.Time
}

// NewCrowsnest returns the Crowsnest component.
func NewCrowsnest(deps *Deps) *Crowsnest {
	return &Crowsnest{deps: deps, run: runWithInput, runDir: runInDir, now: time.Now}
}

func (c *Crowsnest) Name() string { return "crowsnest" }

// Dir is the source checkout location.
func (c *Crowsnest) Dir() string { return filepath.Join(c.deps.Home, "crowsnest") }

// ConfFile is the instance configuration file.
func (c *Crowsnest) ConfFile() string {
	return filepath.Join(c.deps.ConfigDir(), "crowsnest.conf")
}

func (c *Crowsnest) envFile() string {
	return filepath.Join(c.deps.PrinterDataDir(), "systemd", "crowsnest.env")
}

func (c *Crowsnest) logFile() string {
	return filepath.Join(c.deps.LogDir(), "crowsnest.log")
}

func (c *Crowsnest) serviceFile() string {
	name := "crowsnest"
	if c.deps.Init.Init() == initsys.Systemd {
		name += ".service"
	}
	return filepath.Join(c.deps.Init.UnitDir(), name)
}

// Status reports the install state.
func (c *Crowsnest) Status(fetchRemote bool) StatusReport {
	report := StatusReport{
		Name:   c.Name(),
		Status: installStatus(c.Dir(), crowsnestBinFile, c.serviceFile()),
		Local:  c.deps.Git.Describe(c.Dir()),
	}
	if fetchRemote {
		if tag, err := c.deps.Git.LatestRemoteTag(crowsnestRepo); err == nil {
			report.Remote = tag
		}
	}
	return report
}

// Install clones crowsnest and installs it. Crowsnest does not support
// multiple webcam service instances, which is fine for a single-printer
// setup.
func (c *Crowsnest) Install(ctx context.Context) error {
	log := c.deps.Log
	log.Info("installing Crowsnest ...")

	if err := c.deps.Git.Clone(crowsnestRepo, "master", c.Dir()); err != nil {
		return err
	}
	if err := c.installDependencies(false); err != nil {
		return err
	}

	if c.deps.Pkgs.Manager() == syspkg.APK {
		return c.installManually()
	}

	log.Info("launching crowsnest installer, it will prompt for the sudo password")
	if out, code := c.runDir(c.Dir(), "sudo", "make", "install"); code != 0 {
		return fmt.Errorf("crowsnest installer failed: %s", strings.TrimSpace(out))
	}
	log.Info("Crowsnest successfully installed")
	return nil
}

// installDependencies installs what crowsnest's package lists declare. The
// full install script list is only relevant once the installer itself is
// bypassed.
func (c *Crowsnest) installDependencies(includeInstallScript bool) error {
	packages := []string{"make"}
	for _, script := range []string{
		filepath.Join(c.Dir(), "tools", "libs", "pkglist-generic.sh"),
		filepath.Join(c.Dir(), "tools", "install.sh"),
	} {
		if !includeInstallScript && strings.HasSuffix(script, "install.sh") {
			continue
		}
		if parsed, err := syspkg.ParsePackagesFromScript(script); err == nil {
			packages = append(packages, parsed...)
		}
	}

	missing, err := c.deps.Pkgs.Missing(packages)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	return c.deps.Pkgs.Install(missing...)
}

// installManually performs the steps crowsnest's apt-only installer would:
// deploy the executable, logrotate rule, environment and config files, build
// the streaming backends, and register the service.
func (c *Crowsnest) installManually() error {
	log := c.deps.Log

	for _, dir := range []string{c.deps.ConfigDir(), c.deps.LogDir(), filepath.Dir(c.envFile())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if out, code := c.run(nil, "sudo", "install", "-m", "755",
		filepath.Join(c.Dir(), "crowsnest"), crowsnestBinFile); code != 0 {
		return fmt.Errorf("deploying crowsnest executable: %s", strings.TrimSpace(out))
	}

	if content, err := c.renderResource("logrotate_crowsnest", map[string]string{
		"%LOGPATH%": c.logFile(),
	}); err == nil {
		if out, code := c.run([]byte(content), "sudo", "tee", crowsnestLogrotateFile); code != 0 {
			return fmt.Errorf("installing logrotate rule: %s", strings.TrimSpace(out))
		}
	}

	envContent, err := c.renderResource("crowsnest.env", map[string]string{
		"%CONFPATH%": c.deps.ConfigDir(),
	})
	if err != nil {
		return err
	}
	if err := c.deps.Init.WriteEnvFile(c.envFile(), envContent); err != nil {
		return err
	}

	confContent, err := c.renderResource("crowsnest.conf", map[string]string{
		"%LOGPATH%": c.logFile(),
	})
	if err != nil {
		return err
	}
	if _, err := os.Stat(c.ConfFile()); err == nil {
		backup := c.ConfFile() + "." + c.now().Format("20060102-150405")
		if err := os.Rename(c.ConfFile(), backup); err != nil {
			return fmt.Errorf("backing up existing crowsnest.conf: %w", err)
		}
		log.Infow("existing configuration backed up", "path", backup)
	}
	if err := os.WriteFile(c.ConfFile(), []byte(confContent), 0o644); err != nil {
		return fmt.Errorf("writing crowsnest.conf: %w", err)
	}

	log.Info("building streaming backends ...")
	if out, code := c.runDir(c.Dir(), "bash", "bin/build.sh", "--build"); code != 0 {
		return fmt.Errorf("building streaming backends: %s", strings.TrimSpace(out))
	}

	c.ensureVideoGroup()

	if err := c.writeService(); err != nil {
		return err
	}
	if err := c.deps.Init.Service("crowsnest", initsys.Enable); err != nil {
		return err
	}
	if err := c.deps.Init.Service("crowsnest", initsys.Start); err != nil {
		return err
	}
	log.Info("Crowsnest successfully installed")
	return nil
}

// renderResource loads a template shipped in the checkout and substitutes
// the given placeholders.
func (c *Crowsnest) renderResource(name string, values map[string]string) (string, error) {
	path := filepath.Join(c.Dir(), "resources", name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(data)
	for key, value := range values {
		content = strings.ReplaceAll(content, key, value)
	}
	return content, nil
}

// ensureVideoGroup adds the current user to the video group so the service
// can open camera devices. Failures only warn since group changes need a
// re-login anyway.
func (c *Crowsnest) ensureVideoGroup() {
	user := currentUser()
	out, code := c.run(nil, "id", "-nG", user)
	if code != 0 {
		c.deps.Log.Warnw("checking group membership", "output", strings.TrimSpace(out))
		return
	}
	for _, group := range strings.Fields(out) {
		if group == "video" {
			return
		}
	}
	c.deps.Log.Infof("adding user %q to group video", user)
	if out, code := c.run(nil, "sudo", "usermod", "-a", "-G", "video", user); code != 0 {
		c.deps.Log.Warnw("adding user to video group", "output", strings.TrimSpace(out))
	}
}

func (c *Crowsnest) writeService() error {
	if c.deps.Init.Init() == initsys.Systemd {
		content, err := c.renderResource("crowsnest.service", map[string]string{
			"%USER%": currentUser(),
			"%ENV%":  c.envFile(),
		})
		if err != nil {
			return err
		}
		if err := c.deps.Init.WriteUnit("crowsnest.service", content); err != nil {
			return err
		}
		return c.deps.Init.DaemonReload()
	}
	return c.deps.Init.WriteUnit("crowsnest", renderCrowsnestOpenRC(currentUser(), c.Dir(), c.envFile()))
}

// renderCrowsnestOpenRC differs from the generic OpenRC renderer: the
// service must change into its checkout and start before nginx so stream
// endpoints exist when the web interface comes up.
func renderCrowsnestOpenRC(username, dir, envFile string) string {
	return fmt.Sprintf(`#!/sbin/openrc-run

description="crowsnest webcam service"
command="%s"
command_user="%s"
command_background="yes"
supervisor=supervise-daemon
pidfile="/run/$RC_SVCNAME.pid"
command_chdir="%s"

if [ -f "%s" ]; then
    set -a
    . "%s"
    set +a
fi
command_args="${CROWSNEST_ARGS:-}"

depend() {
    need localmount
    use net
    before nginx
}
`, crowsnestBinFile, username, dir, envFile, envFile)
}

// Update pulls the checkout, refreshes dependencies, and rebuilds the
// streaming backends.
func (c *Crowsnest) Update(ctx context.Context) error {
	log := c.deps.Log
	if _, err := os.Stat(c.Dir()); err != nil {
		log.Info("Crowsnest is not installed, skipped")
		return nil
	}

	if err := c.deps.Init.Service("crowsnest", initsys.Stop); err != nil {
		return err
	}
	if c.deps.Cfg.Kstack.BackupBeforeUpdate {
		if err := c.backup(); err != nil {
			return err
		}
	}
	if err := c.deps.Git.Pull(c.Dir()); err != nil {
		return err
	}
	if err := c.installDependencies(true); err != nil {
		return err
	}

	log.Info("rebuilding streaming backends ...")
	if out, code := c.runDir(c.Dir(), "bash", "bin/build.sh", "--build"); code != 0 {
		return fmt.Errorf("rebuilding streaming backends: %s", strings.TrimSpace(out))
	}
	if err := c.deps.Init.Service("crowsnest", initsys.Start); err != nil {
		return err
	}
	log.Info("Crowsnest updated")
	return nil
}

func (c *Crowsnest) backup() error {
	snapshot, err := c.deps.Backup.NewSnapshot(c.Name())
	if err != nil {
		return err
	}
	if err := c.deps.Backup.BackupDir(snapshot, c.Dir()); err != nil {
		return err
	}
	if err := c.deps.Backup.BackupFile(snapshot, c.ConfFile()); err != nil {
		return err
	}
	return c.deps.Backup.Prune(c.Name(), c.deps.Cfg.Kstack.BackupKeep)
}

// Remove deletes the service, the deployed files, and the checkout. The
// configuration file stays in place.
func (c *Crowsnest) Remove(ctx context.Context) error {
	log := c.deps.Log
	log.Info("removing Crowsnest ...")

	if err := c.deps.Init.RemoveService("crowsnest"); err != nil {
		return err
	}
	for _, path := range []string{crowsnestBinFile, crowsnestLogrotateFile} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if out, code := c.run(nil, "sudo", "rm", "-f", path); code != 0 {
			return fmt.Errorf("removing %s: %s", path, strings.TrimSpace(out))
		}
	}
	os.Remove(c.envFile())
	if err := os.RemoveAll(c.Dir()); err != nil {
		return fmt.Errorf("removing %s: %w", c.Dir(), err)
	}
	log.Info("Crowsnest successfully removed")
	return nil
}
