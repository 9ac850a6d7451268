// Package initsys abstracts the host's init system. Debian-family hosts run
// systemd; Alpine/postmarketOS hosts run OpenRC. Service files are written
// through sudo tee so kstack itself never runs as root.
package initsys

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Init identifies the init system family.
type Init int

const (
	Unsupported Init = iota
	Systemd
	OpenRC
)

func (i Init) String() string {
	switch i {
	case Systemd:
		return "systemd"
	case OpenRC:
		return "openrc"
	default:
		return "unsupported"
	}
}

// Unit directories per init system.
const (
	SystemdDir = "/etc/systemd/system"
	OpenRCDir  = "/etc/init.d"
)

// ServiceAction is a verb accepted by systemctl / rc-service.
type ServiceAction string

const (
	Start   ServiceAction = "start"
	Stop    ServiceAction = "stop"
	Restart ServiceAction = "restart"
	Reload  ServiceAction = "reload"
	Enable  ServiceAction = "enable"
	Disable ServiceAction = "disable"
)

type runFunc func(stdin []byte, args ...string) (string, int)

// Control executes init system operations on the host.
type Control struct {
	log *zap.SugaredLogger

	lookPath func(string) (string, error)
	run      runFunc

	once sync.Once
	init Init
}

// New returns a Control for the local host.
func New(log *zap.SugaredLogger) *Control {
	return &Control{
		log:      log,
		lookPath: exec.LookPath,
		run:      runWithInput,
	}
}

// Init detects the init system, once.
func (c *Control) Init() Init {
	c.once.Do(func() {
		if _, err := os.Stat("/run/systemd/system"); err == nil {
			c.init = Systemd
			return
		}
		if _, err := c.lookPath("systemctl"); err == nil {
			c.init = Systemd
			return
		}
		if _, err := c.lookPath("rc-service"); err == nil {
			c.init = OpenRC
			return
		}
		c.init = Unsupported
	})
	return c.init
}

// Service applies an action to a service unit.
func (c *Control) Service(name string, action ServiceAction) error {
	c.log.Infof("%s %s ...", action, name)

	var cmd []string
	switch c.Init() {
	case Systemd:
		cmd = []string{"sudo", "systemctl", string(action), name}
	case OpenRC:
		switch action {
		case Enable:
			cmd = []string{"sudo", "rc-update", "add", name, "default"}
		case Disable:
			cmd = []string{"sudo", "rc-update", "del", name, "default"}
		default:
			cmd = []string{"sudo", "rc-service", name, string(action)}
		}
	default:
		return errors.New("unsupported init system")
	}

	if out, code := c.run(nil, cmd...); code != 0 {
		return fmt.Errorf("failed to %s %s: %s", action, name, strings.TrimSpace(out))
	}
	return nil
}

// DaemonReload reloads unit definitions. No-op on OpenRC.
func (c *Control) DaemonReload() error {
	if c.Init() != Systemd {
		return nil
	}
	if out, code := c.run(nil, "sudo", "systemctl", "daemon-reload"); code != 0 {
		return fmt.Errorf("daemon-reload: %s", strings.TrimSpace(out))
	}
	return nil
}

// ResetFailed clears failed unit state. No-op on OpenRC.
func (c *Control) ResetFailed() error {
	if c.Init() != Systemd {
		return nil
	}
	if out, code := c.run(nil, "sudo", "systemctl", "reset-failed"); code != 0 {
		return fmt.Errorf("reset-failed: %s", strings.TrimSpace(out))
	}
	return nil
}

// UnitDir returns the directory unit files live in for the detected init
// system.
func (c *Control) UnitDir() string {
	if c.Init() == OpenRC {
		return OpenRCDir
	}
	return SystemdDir
}

// UnitExists reports whether a unit file matching name, optionally with an
// instance suffix like "-1" or "-printer2", exists in dir. Names listed in
// exclude are skipped.
func UnitExists(dir, name, suffix string, exclude []string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", dir, err)
	}

	pattern, err := regexp.Compile(fmt.Sprintf(`^%s(-[0-9a-zA-Z]+)?\.%s$`, regexp.QuoteMeta(name), suffix))
	if err != nil {
		return false, err
	}

entries:
	for _, entry := range entries {
		if !pattern.MatchString(entry.Name()) {
			continue
		}
		for _, ex := range exclude {
			if strings.Contains(entry.Name(), ex) {
				continue entries
			}
		}
		return true, nil
	}
	return false, nil
}

// WriteUnit writes a unit file into the init system's unit directory via
// sudo tee. OpenRC scripts are additionally marked executable.
func (c *Control) WriteUnit(name, content string) error {
	target := c.UnitDir() + "/" + name
	if out, code := c.run([]byte(content), "sudo", "tee", target); code != 0 {
		return fmt.Errorf("creating %s: %s", target, strings.TrimSpace(out))
	}
	if c.Init() == OpenRC {
		if out, code := c.run(nil, "sudo", "chmod", "0755", target); code != 0 {
			return fmt.Errorf("marking %s executable: %s", target, strings.TrimSpace(out))
		}
	}
	c.log.Infow("service file created", "path", target)
	return nil
}

// WriteEnvFile writes an environment file readable by the service user.
func (c *Control) WriteEnvFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("creating env file: %w", err)
	}
	c.log.Infow("env file created", "path", path)
	return nil
}

// RemoveService stops, disables, and deletes a service unit, then reloads
// the init system state. Missing units are skipped silently.
func (c *Control) RemoveService(name string) error {
	unitName := name
	if c.Init() == Systemd && !strings.HasSuffix(name, ".service") {
		unitName = name + ".service"
	}
	if c.Init() == OpenRC {
		unitName = strings.TrimSuffix(name, ".service")
	}

	target := c.UnitDir() + "/" + unitName
	if _, err := os.Stat(target); err != nil {
		c.log.Infow("service does not exist, skipped", "name", unitName)
		return nil
	}

	c.log.Infow("removing service", "name", unitName)
	if err := c.Service(unitName, Stop); err != nil {
		return err
	}
	if err := c.Service(unitName, Disable); err != nil {
		return err
	}
	if out, code := c.run(nil, "sudo", "rm", "-f", target); code != 0 {
		return fmt.Errorf("removing %s: %s", target, strings.TrimSpace(out))
	}
	if err := c.DaemonReload(); err != nil {
		return err
	}
	if err := c.ResetFailed(); err != nil {
		return err
	}
	c.log.Infow("service removed", "name", unitName)
	return nil
}

func runWithInput(stdin []byte, args ...string) (string, int) {
	cmd := exec.Command(args[0], args[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
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
