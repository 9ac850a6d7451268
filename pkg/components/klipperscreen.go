package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kstack-dev/kstack/pkg/cfgfile"
	"github.com/kstack-dev/kstack/pkg/initsys"
	"github.com/kstack-dev/kstack/pkg/prompt"
	"github.com/kstack-dev/kstack/pkg/venv"
	"github.com/kstack-dev/kstack/pkg/wayland"
)

const klipperScreenRepo = "https://github.com/KlipperScreen/KlipperScreen.git"

// klipperScreenDeps are the GTK and tooling packages the touchscreen UI
// needs on top of what its requirements file pulls into the virtualenv.
var klipperScreenDeps = []string{
	"git",
	"python3-virtualenv",
	"python3-gi",
	"python3-gi-cairo",
	"gir1.2-gtk-3.0",
	"wireless-tools",
	"libopenjp2-7",
}

// KlipperScreen manages the touchscreen UI, including its Wayland launcher
// configuration on hosts without X11.
type KlipperScreen struct {
	deps *Deps
}

// NewKlipperScreen returns the KlipperScreen component.
func NewKlipperScreen(deps *Deps) *KlipperScreen {
	return &KlipperScreen{deps: deps}
}

func (k *KlipperScreen) Name() string { return "klipperscreen" }

// Dir is the source checkout location.
func (k *KlipperScreen) Dir() string { return filepath.Join(k.deps.Home, "KlipperScreen") }

// EnvDir is the python virtualenv location.
func (k *KlipperScreen) EnvDir() string {
	return filepath.Join(k.deps.Home, ".KlipperScreen-env")
}

// ConfFile is the instance configuration file.
func (k *KlipperScreen) ConfFile() string {
	return filepath.Join(k.deps.ConfigDir(), "KlipperScreen.conf")
}

func (k *KlipperScreen) requirementsFile() string {
	return filepath.Join(k.Dir(), "scripts", "KlipperScreen-requirements.txt")
}

func (k *KlipperScreen) serviceFile() string {
	name := "KlipperScreen"
	if k.deps.Init.Init() == initsys.Systemd {
		name += ".service"
	}
	return filepath.Join(k.deps.Init.UnitDir(), name)
}

// Status reports the install state and versions.
func (k *KlipperScreen) Status(fetchRemote bool) StatusReport {
	report := StatusReport{
		Name:   k.Name(),
		Status: installStatus(k.Dir(), k.EnvDir(), k.serviceFile()),
		Local:  k.deps.Git.Describe(k.Dir()),
	}
	if fetchRemote {
		if tag, err := k.deps.Git.LatestRemoteTag(klipperScreenRepo); err == nil {
			report.Remote = tag
		}
	}
	return report
}

// Install clones KlipperScreen, builds its virtualenv, registers the
// service, and preseeds the display configuration. On Wayland hosts the
// user may pick a mobile-shell preset for the launcher files.
func (k *KlipperScreen) Install(ctx context.Context) error {
	log := k.deps.Log
	log.Info("installing KlipperScreen ...")

	moonrakerConf := filepath.Join(k.deps.ConfigDir(), "moonraker.conf")
	if _, err := os.Stat(moonrakerConf); err != nil {
		log.Warn("Moonraker not found, KlipperScreen will not work without it")
		if ok, _ := k.deps.Prompt.Confirm("Continue KlipperScreen installation?", false); !ok {
			return nil
		}
	}

	if err := k.deps.Pkgs.UpdatePackageLists(true, false); err != nil {
		return err
	}
	missing, err := k.deps.Pkgs.Missing(klipperScreenDeps)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		if err := k.deps.Pkgs.Install(missing...); err != nil {
			return err
		}
	}

	if err := k.deps.Git.Clone(klipperScreenRepo, "", k.Dir()); err != nil {
		return err
	}

	// system site packages so the venv sees the distro's GTK bindings
	env := venv.New(log, k.EnvDir(), k.deps.Prompt.Confirm)
	env.SystemSitePackages = true
	if _, err := env.Create(false); err != nil {
		return err
	}
	if err := env.UpdatePip(); err != nil {
		return err
	}
	if err := env.InstallRequirements(k.requirementsFile()); err != nil {
		return err
	}

	if err := k.writeService(); err != nil {
		return err
	}

	launchers, err := k.configureWayland()
	if err != nil {
		log.Warnw("configuring Wayland launchers", "err", err)
	}

	// user-session autostart replaces the system service
	systemService := launchers == nil ||
		(launchers.Autostart == "" && launchers.Backend == wayland.NoBackend)
	if systemService {
		if err := k.deps.Init.Service("KlipperScreen", initsys.Enable); err != nil {
			return err
		}
		if err := k.deps.Init.Service("KlipperScreen", initsys.Start); err != nil {
			return err
		}
	}

	if _, err := os.Stat(moonrakerConf); err == nil {
		if err := k.registerUpdateManager(moonrakerConf, systemService); err != nil {
			log.Warnw("registering with Moonraker's update manager", "err", err)
		}
	}

	if display := wayland.DetectDisplay(); display != nil {
		if err := k.preseedConfig(display); err != nil {
			log.Warnw("preseeding KlipperScreen.conf", "err", err)
		}
	}
	log.Info("KlipperScreen successfully installed")
	return nil
}

// configureWayland offers the known mobile-shell presets and writes the
// launcher files for the chosen one. Skipped under X11 sessions.
func (k *KlipperScreen) configureWayland() (*wayland.LauncherSet, error) {
	if os.Getenv("WAYLAND_DISPLAY") == "" && os.Getenv("DISPLAY") != "" {
		k.deps.Log.Info("X11 session detected, skipping Wayland preset configuration")
		return nil, nil
	}

	options := make([]prompt.Option, 0, len(wayland.Presets)+1)
	for _, preset := range wayland.Presets {
		options = append(options, prompt.Option{Key: preset.Key, Label: preset.Name})
	}
	options = append(options, prompt.Option{Key: "n", Label: "None"})

	choice, err := k.deps.Prompt.Select("Configure a Wayland launcher preset?", options, "n")
	if err != nil || choice == "n" {
		return nil, err
	}
	preset := wayland.PresetByKey(choice)
	if preset == nil {
		return nil, fmt.Errorf("unknown preset %q", choice)
	}

	launcher := wayland.NewLauncher(k.deps.Log, k.deps.Init, k.Dir(), k.EnvDir())
	return launcher.Configure(*preset)
}

func (k *KlipperScreen) writeService() error {
	user := currentUser()
	command := filepath.Join(k.EnvDir(), "bin", "python")
	screen := filepath.Join(k.Dir(), "screen.py")

	envFile := filepath.Join(k.deps.PrinterDataDir(), "systemd", "KlipperScreen.env")
	if err := os.MkdirAll(filepath.Dir(envFile), 0o755); err != nil {
		return fmt.Errorf("creating env directory: %w", err)
	}
	if err := k.deps.Init.WriteEnvFile(envFile, "KS_ARGS="+screen+"\n"); err != nil {
		return err
	}

	var name, content string
	if k.deps.Init.Init() == initsys.OpenRC {
		name = "KlipperScreen"
		content = renderOpenRCService("KlipperScreen touchscreen UI", command, user, envFile, "$KS_ARGS")
	} else {
		name = "KlipperScreen.service"
		content = renderSystemdService("KlipperScreen", user, envFile, command+" $KS_ARGS")
	}
	if err := k.deps.Init.WriteUnit(name, content); err != nil {
		return err
	}
	return k.deps.Init.DaemonReload()
}

// registerUpdateManager adds KlipperScreen to moonraker.conf. The service
// is only listed as managed when the init system actually manages it.
func (k *KlipperScreen) registerUpdateManager(path string, systemService bool) error {
	f, err := cfgfile.Load(path)
	if err != nil {
		return err
	}

	section := "update_manager KlipperScreen"
	if !f.HasSection(section) {
		f.AddSection(section)
	}
	f.Set(section, "type", "git_repo")
	f.Set(section, "path", k.Dir())
	f.Set(section, "origin", klipperScreenRepo)
	if systemService && k.deps.Init.Init() == initsys.Systemd {
		f.Set(section, "managed_services", "KlipperScreen")
	}
	f.Set(section, "env", filepath.Join(k.EnvDir(), "bin", "python"))
	f.Set(section, "requirements", k.requirementsFile())
	return f.Save(path)
}

// preseedConfig writes the detected panel geometry into KlipperScreen.conf.
// The rotation only lands as a commented hint since the compositor may
// already compensate for it.
func (k *KlipperScreen) preseedConfig(display *wayland.Display) error {
	widthLine := fmt.Sprintf("width: %d", display.Width)
	heightLine := fmt.Sprintf("height: %d", display.Height)
	rotationHint := fmt.Sprintf("# rotation_hint: %d", display.Rotation)

	path := k.ConfFile()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		content := strings.Join([]string{
			"[main]",
			"# Detected internal display: " + display.Name,
			"# Adjust these values if the compositor applies a different scale or rotation.",
			widthLine,
			heightLine,
			rotationHint,
		}, "\n") + "\n"
		k.deps.Log.Infow("created KlipperScreen.conf with detected resolution",
			"width", display.Width, "height", display.Height)
		return os.WriteFile(path, []byte(content), 0o644)
	}
	if err != nil {
		return err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	changed := false
	hasPrefix := func(prefix string) bool {
		for _, line := range lines {
			if strings.HasPrefix(line, prefix) {
				return true
			}
		}
		return false
	}
	if !hasPrefix("width:") {
		lines = append(lines, widthLine)
		changed = true
	}
	if !hasPrefix("height:") {
		lines = append(lines, heightLine)
		changed = true
	}
	if !hasPrefix("# rotation_hint:") {
		lines = append(lines, rotationHint)
		changed = true
	}
	if !changed {
		return nil
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// Update pulls the checkout and refreshes the virtualenv requirements.
func (k *KlipperScreen) Update(ctx context.Context) error {
	log := k.deps.Log
	if _, err := os.Stat(k.Dir()); err != nil {
		log.Info("KlipperScreen is not installed, skipped")
		return nil
	}

	if err := k.deps.Init.Service("KlipperScreen", initsys.Stop); err != nil {
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
	env.SystemSitePackages = true
	if err := env.InstallRequirements(k.requirementsFile()); err != nil {
		return err
	}
	if err := k.deps.Init.Service("KlipperScreen", initsys.Start); err != nil {
		return err
	}
	log.Info("KlipperScreen updated")
	return nil
}

func (k *KlipperScreen) backup() error {
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

// Remove deletes the service, checkout, virtualenv, log files, and the
// update manager registration.
func (k *KlipperScreen) Remove(ctx context.Context) error {
	log := k.deps.Log
	log.Info("removing KlipperScreen ...")

	if err := k.deps.Init.RemoveService("KlipperScreen"); err != nil {
		return err
	}
	for _, dir := range []string{k.Dir(), k.EnvDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	os.Remove("/tmp/KlipperScreen.log")
	os.Remove(filepath.Join(k.deps.LogDir(), "KlipperScreen.log"))

	path := filepath.Join(k.deps.ConfigDir(), "moonraker.conf")
	if f, err := cfgfile.Load(path); err == nil {
		if f.RemoveSection("update_manager KlipperScreen") {
			if err := f.Save(path); err != nil {
				return err
			}
		}
	}
	log.Info("KlipperScreen successfully removed")
	return nil
}
