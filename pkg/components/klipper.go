package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kstack-dev/kstack/pkg/initsys"
	"github.com/kstack-dev/kstack/pkg/syspkg"
	"github.com/kstack-dev/kstack/pkg/venv"
)

// klipperDeps are the host packages the klippy service needs beyond what its
// install script declares. Names follow the Debian convention; syspkg
// translates them for apk.
var klipperDeps = []string{
	"git",
	"python3-virtualenv",
	"python3-dev",
	"libffi-dev",
	"build-essential",
	"libncurses-dev",
	"avrdude",
	"gcc-avr",
	"avr-libc",
	"dfu-util",
}

// exampleKlipperConf is a bare-bones printer.cfg so the service starts
// before the printer itself is configured. The mcu serial must be filled in
// by the user.
const exampleKlipperConf = `# This is a minimal example configuration. Replace it with the one matching
# your printer, see https://github.com/Klipper3d/klipper/tree/master/config

[mcu]
serial: /dev/serial/by-id/<your-mcu-id>

[printer]
kinematics: none
max_velocity: 1000
max_accel: 1000

[virtual_sdcard]
path: %GCODES_DIR%

[display_status]

[pause_resume]
`

// Klipper manages the klippy host service.
type Klipper struct {
	deps *Deps
}

// NewKlipper returns the Klipper component.
func NewKlipper(deps *Deps) *Klipper {
	return &Klipper{deps: deps}
}

func (k *Klipper) Name() string { return "klipper" }

// Dir is the source checkout location.
func (k *Klipper) Dir() string { return filepath.Join(k.deps.Home, "klipper") }

// EnvDir is the python virtualenv location.
func (k *Klipper) EnvDir() string { return filepath.Join(k.deps.Home, "klippy-env") }

func (k *Klipper) serviceFile() string {
	name := "klipper"
	if k.deps.Init.Init() == initsys.Systemd {
		name += ".service"
	}
	return filepath.Join(k.deps.Init.UnitDir(), name)
}

// Status reports the install state and versions.
func (k *Klipper) Status(fetchRemote bool) StatusReport {
	report := StatusReport{
		Name:   k.Name(),
		Status: installStatus(k.Dir(), k.EnvDir(), k.serviceFile()),
		Local:  k.deps.Git.Describe(k.Dir()),
	}
	if fetchRemote {
		if tag, err := k.deps.Git.LatestRemoteTag(k.deps.Cfg.Klipper.RepoURL); err == nil {
			report.Remote = tag
		}
	}
	return report
}

// Install clones Klipper, builds its virtualenv, and registers the service.
func (k *Klipper) Install(ctx context.Context) error {
	log := k.deps.Log
	log.Info("installing Klipper ...")

	if err := k.deps.Pkgs.UpdatePackageLists(true, false); err != nil {
		return err
	}
	missing, err := k.deps.Pkgs.Missing(klipperDeps)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		if err := k.deps.Pkgs.Install(missing...); err != nil {
			return err
		}
	}

	cfg := k.deps.Cfg.Klipper
	if err := k.deps.Git.Clone(cfg.RepoURL, cfg.Branch, k.Dir()); err != nil {
		return err
	}

	// klipper's own scripts may extend the dependency list
	installScript := filepath.Join(k.Dir(), "scripts", "install-debian.sh")
	if packages, err := syspkg.ParsePackagesFromScript(installScript); err == nil && len(packages) > 0 {
		extra, err := k.deps.Pkgs.Missing(packages)
		if err != nil {
			return err
		}
		if len(extra) > 0 {
			if err := k.deps.Pkgs.Install(extra...); err != nil {
				return err
			}
		}
	}

	env := venv.New(log, k.EnvDir(), k.deps.Prompt.Confirm)
	if _, err := env.Create(false); err != nil {
		return err
	}
	if err := env.UpdatePip(); err != nil {
		return err
	}
	if err := env.InstallRequirements(filepath.Join(k.Dir(), "scripts", "klippy-requirements.txt")); err != nil {
		return err
	}

	for _, dir := range []string{k.deps.ConfigDir(), k.deps.LogDir(), k.deps.CommsDir(), filepath.Join(k.deps.PrinterDataDir(), "gcodes")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := k.writeExampleConfig(); err != nil {
		return err
	}

	if err := k.writeService(); err != nil {
		return err
	}
	if err := k.deps.Init.Service("klipper", initsys.Enable); err != nil {
		return err
	}
	if err := k.deps.Init.Service("klipper", initsys.Start); err != nil {
		return err
	}
	log.Info("Klipper successfully installed")
	return nil
}

// writeExampleConfig offers a minimal printer.cfg when none exists.
func (k *Klipper) writeExampleConfig() error {
	path := filepath.Join(k.deps.ConfigDir(), "printer.cfg")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	ok, _ := k.deps.Prompt.Confirm("Create a minimal example printer.cfg?", true)
	if !ok {
		return nil
	}

	gcodes := filepath.Join(k.deps.PrinterDataDir(), "gcodes")
	content := strings.ReplaceAll(exampleKlipperConf, "%GCODES_DIR%", gcodes)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing example printer.cfg: %w", err)
	}
	k.deps.Log.Infow("example printer.cfg created", "path", path)
	return nil
}

func (k *Klipper) writeService() error {
	envFile := filepath.Join(k.deps.PrinterDataDir(), "systemd", "klipper.env")
	if err := os.MkdirAll(filepath.Dir(envFile), 0o755); err != nil {
		return fmt.Errorf("creating env directory: %w", err)
	}

	args := fmt.Sprintf("%s/klippy/klippy.py %s/printer.cfg -l %s/klippy.log -a %s/klippy.sock",
		k.Dir(), k.deps.ConfigDir(), k.deps.LogDir(), k.deps.CommsDir())
	if err := k.deps.Init.WriteEnvFile(envFile, "KLIPPER_ARGS="+args+"\n"); err != nil {
		return err
	}

	user := currentUser()
	var name, content string
	if k.deps.Init.Init() == initsys.OpenRC {
		name = "klipper"
		content = renderOpenRCService("klipper host service",
			filepath.Join(k.EnvDir(), "bin", "python"), user, envFile, "$KLIPPER_ARGS")
	} else {
		name = "klipper.service"
		content = renderSystemdService("Klipper 3D printer firmware", user, envFile,
			filepath.Join(k.EnvDir(), "bin", "python")+" $KLIPPER_ARGS")
	}
	if err := k.deps.Init.WriteUnit(name, content); err != nil {
		return err
	}
	return k.deps.Init.DaemonReload()
}

// Update pulls the checkout and refreshes the virtualenv requirements.
func (k *Klipper) Update(ctx context.Context) error {
	log := k.deps.Log
	if _, err := os.Stat(k.Dir()); err != nil {
		log.Info("Klipper is not installed, skipped")
		return nil
	}

	if err := k.deps.Init.Service("klipper", initsys.Stop); err != nil {
		return err
	}
	if k.deps.Cfg.Kstack.BackupBeforeUpdate {
		if err := k.backup(); err != nil {
			return err
		}
	}
	if err := k.deps.Git.Pull(k.Dir()); err != nil {
		return err
	}

	env := venv.New(log, k.EnvDir(), k.deps.Prompt.Confirm)
	if err := env.InstallRequirements(filepath.Join(k.Dir(), "scripts", "klippy-requirements.txt")); err != nil {
		return err
	}
	if err := k.deps.Init.Service("klipper", initsys.Start); err != nil {
		return err
	}
	log.Info("Klipper updated")
	return nil
}

func (k *Klipper) backup() error {
	snapshot, err := k.deps.Backup.NewSnapshot(k.Name())
	if err != nil {
		return err
	}
	if err := k.deps.Backup.BackupDir(snapshot, k.Dir()); err != nil {
		return err
	}
	if err := k.deps.Backup.BackupDir(snapshot, k.EnvDir()); err != nil {
		return err
	}
	return k.deps.Backup.Prune(k.Name(), k.deps.Cfg.Kstack.BackupKeep)
}

// Remove deletes the service, checkout, virtualenv, and log files.
func (k *Klipper) Remove(ctx context.Context) error {
	log := k.deps.Log
	log.Info("removing Klipper ...")

	if err := k.deps.Init.RemoveService("klipper"); err != nil {
		return err
	}
	for _, dir := range []string{k.Dir(), k.EnvDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}

	entries, err := os.ReadDir(k.deps.LogDir())
	if err == nil {
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "klippy.log") {
				os.Remove(filepath.Join(k.deps.LogDir(), entry.Name()))
			}
		}
	}
	log.Info("Klipper successfully removed")
	return nil
}
