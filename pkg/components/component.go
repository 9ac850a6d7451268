// Package components implements install, update, and remove flows for the
// Klipper stack: Klipper itself, Moonraker, the web interfaces, Crowsnest,
// and KlipperScreen.
package components

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kstack-dev/kstack/pkg/backup"
	"github.com/kstack-dev/kstack/pkg/config"
	"github.com/kstack-dev/kstack/pkg/firewall"
	"github.com/kstack-dev/kstack/pkg/gitutil"
	"github.com/kstack-dev/kstack/pkg/initsys"
	"github.com/kstack-dev/kstack/pkg/nginx"
	"github.com/kstack-dev/kstack/pkg/prompt"
	"github.com/kstack-dev/kstack/pkg/syspkg"
)

// Status describes how far a component's installation got.
type Status int

const (
	NotInstalled Status = iota
	Incomplete
	Installed
)

func (s Status) String() string {
	switch s {
	case Installed:
		return "installed"
	case Incomplete:
		return "incomplete"
	default:
		return "not installed"
	}
}

// StatusReport combines install state with version information.
type StatusReport struct {
	Name   string
	Status Status
	Local  string // locally checked out version, "" when unknown
	Remote string // newest remote version, "" when not fetched
}

// Deps bundles the host facilities every component flow needs.
type Deps struct {
	Log      *zap.SugaredLogger
	Cfg      *config.Config
	Pkgs     *syspkg.System
	Init     *initsys.Control
	Git      *gitutil.Repo
	Nginx    *nginx.Server
	Firewall *firewall.Firewall
	Backup   *backup.Service
	Prompt   *prompt.Prompter

	// Home is the target user's home directory.
	Home string
}

// NewDeps wires up the component dependencies for the local host.
func NewDeps(log *zap.SugaredLogger, cfg *config.Config) *Deps {
	home, _ := os.UserHomeDir()
	return &Deps{
		Log:      log,
		Cfg:      cfg,
		Pkgs:     syspkg.New(log),
		Init:     initsys.New(log),
		Git:      gitutil.New(log),
		Nginx:    nginx.New(log),
		Firewall: firewall.New(log),
		Backup:   backup.New(log),
		Prompt:   prompt.New(),
		Home:     home,
	}
}

// PrinterDataDir is the shared data directory of the stack.
func (d *Deps) PrinterDataDir() string {
	return filepath.Join(d.Home, "printer_data")
}

// ConfigDir is where printer.cfg and moonraker.conf live.
func (d *Deps) ConfigDir() string {
	return filepath.Join(d.PrinterDataDir(), "config")
}

// LogDir is the shared log directory.
func (d *Deps) LogDir() string {
	return filepath.Join(d.PrinterDataDir(), "logs")
}

// CommsDir holds the unix sockets klippy and moonraker talk over.
func (d *Deps) CommsDir() string {
	return filepath.Join(d.PrinterDataDir(), "comms")
}

// installStatus derives a component's state from the artifacts a complete
// installation leaves behind. All paths present means installed, some means
// a broken or partial install, none means not installed.
func installStatus(paths ...string) Status {
	if len(paths) == 0 {
		return NotInstalled
	}
	found := 0
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			found++
		}
	}
	switch found {
	case 0:
		return NotInstalled
	case len(paths):
		return Installed
	default:
		return Incomplete
	}
}
