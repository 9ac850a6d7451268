package components

import (
	"bytes"
	"errors"
	"os/exec"
)

// runFunc executes a command, optionally feeding stdin, and returns combined
// output plus the exit code. Exit code -1 means the command could not be
// started.
type runFunc func(stdin []byte, args ...string) (string, int)

func runInDir(dir string, args ...string) (string, int) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
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
