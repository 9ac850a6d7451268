// Package venv creates and maintains the Python virtual environments the
// managed components run in.
package venv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ConfirmFunc asks the user a yes/no question.
type ConfirmFunc func(question string, defaultYes bool) (bool, error)

type runFunc func(args ...string) (string, int)

// Env manages one virtualenv directory.
type Env struct {
	log     *zap.SugaredLogger
	run     runFunc
	confirm ConfirmFunc

	// Target is the virtualenv root, e.g. ~/klippy-env.
	Target string
	// Python overrides the interpreter used to seed the env.
	Python string
	// SystemSitePackages exposes the host's site-packages to the env.
	SystemSitePackages bool
}

// New returns an Env for target using the virtualenv binary.
func New(log *zap.SugaredLogger, target string, confirm ConfirmFunc) *Env {
	return &Env{
		log:     log,
		run:     runCombined,
		confirm: confirm,
		Target:  target,
		Python:  "/usr/bin/python3",
	}
}

// Exists reports whether the virtualenv directory is present.
func (e *Env) Exists() bool {
	_, err := os.Stat(e.Target)
	return err == nil
}

// Create sets up the virtualenv. When the target already exists the user is
// asked whether to recreate it unless force is set; a declined recreation
// returns false with no error. Returns true when a fresh env was created.
func (e *Env) Create(force bool) (bool, error) {
	e.log.Info("setting up Python virtual environment ...")

	if e.Exists() {
		if !force {
			ok, err := e.confirm("Virtualenv already exists. Re-create?", false)
			if err != nil || !ok {
				e.log.Info("keeping existing virtualenv")
				return false, nil
			}
		}
		if err := os.RemoveAll(e.Target); err != nil {
			return false, fmt.Errorf("removing existing virtualenv: %w", err)
		}
	}

	args := []string{"virtualenv", "-p", e.Python, e.Target}
	if e.SystemSitePackages {
		args = append(args, "--system-site-packages")
	}
	if out, code := e.run(args...); code != 0 {
		return false, fmt.Errorf("creating virtualenv: %s", strings.TrimSpace(out))
	}
	e.log.Info("virtualenv created")
	return true, nil
}

// pip returns the path of the env's pip binary.
func (e *Env) pip() string {
	return filepath.Join(e.Target, "bin", "pip")
}

// UpdatePip upgrades pip inside the env.
func (e *Env) UpdatePip() error {
	e.log.Info("updating pip ...")
	if _, err := os.Stat(e.pip()); err != nil {
		return errors.New("pip not found in virtualenv")
	}
	if out, code := e.run(e.pip(), "install", "-U", "pip"); code != 0 {
		return fmt.Errorf("updating pip: %s", strings.TrimSpace(out))
	}
	return nil
}

// InstallRequirements installs packages from a requirements.txt file.
func (e *Env) InstallRequirements(requirements string) error {
	e.log.Infow("installing Python requirements", "file", requirements)
	if out, code := e.run(e.pip(), "install", "-r", requirements); code != 0 {
		return fmt.Errorf("installing requirements: %s", strings.TrimSpace(out))
	}
	return nil
}

// InstallPackages installs the named packages into the env.
func (e *Env) InstallPackages(packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	e.log.Infow("installing Python packages", "packages", packages)
	args := append([]string{e.pip(), "install"}, packages...)
	if out, code := e.run(args...); code != 0 {
		return fmt.Errorf("installing packages: %s", strings.TrimSpace(out))
	}
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
