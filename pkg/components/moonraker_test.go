package components

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

type call struct {
	args  []string
	stdin string
}

func testLogger() *zap.SugaredLogger {
	logger, _ := zap.NewDevelopment()
	return logger.Sugar()
}

func testMoonraker(t *testing.T, calls *[]call) *Moonraker {
	t.Helper()
	return &Moonraker{
		deps: &Deps{Log: testLogger(), Home: t.TempDir()},
		run: func(stdin []byte, args ...string) (string, int) {
			*calls = append(*calls, call{args: args, stdin: string(stdin)})
			return "", 0
		},
	}
}

func TestInstallAptWrapper(t *testing.T) {
	var calls []call
	m := testMoonraker(t, &calls)

	if err := m.installAptWrapper(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{
		{"sudo", "mkdir", "-p", "/usr/local/lib/moonraker"},
		{"sudo", "tee", "/usr/local/lib/moonraker/apk-apt-wrapper"},
		{"sudo", "chmod", "0755", "/usr/local/lib/moonraker/apk-apt-wrapper"},
		{"sudo", "ln", "-sf", "/usr/local/lib/moonraker/apk-apt-wrapper", "/usr/local/bin/apt"},
		{"sudo", "ln", "-sf", "/usr/local/lib/moonraker/apk-apt-wrapper", "/usr/local/bin/apt-get"},
		{"sudo", "ln", "-sf", "/usr/local/lib/moonraker/apk-apt-wrapper", "/usr/local/bin/apt-cache"},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i, c := range calls {
		if strings.Join(c.args, " ") != strings.Join(want[i], " ") {
			t.Errorf("call %d: got %v, want %v", i, c.args, want[i])
		}
	}
	if !strings.HasPrefix(calls[1].stdin, "#!/bin/sh") {
		t.Errorf("wrapper script not fed to tee, stdin starts with %q", calls[1].stdin[:20])
	}
}

func TestInstallAptWrapperFailure(t *testing.T) {
	m := &Moonraker{
		deps: &Deps{Log: testLogger()},
		run: func(stdin []byte, args ...string) (string, int) {
			return "permission denied", 1
		},
	}
	err := m.installAptWrapper()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error does not include command output: %v", err)
	}
}

func TestRemoveAptWrapper(t *testing.T) {
	var calls []call
	m := testMoonraker(t, &calls)

	m.removeAptWrapper()

	if len(calls) != 4 {
		t.Fatalf("got %d calls, want 4", len(calls))
	}
	last := strings.Join(calls[3].args, " ")
	if last != "sudo rm -f /usr/local/lib/moonraker/apk-apt-wrapper" {
		t.Errorf("unexpected final call %q", last)
	}
}

func TestExampleConfHasDefaults(t *testing.T) {
	for _, want := range []string{
		"[server]",
		"klippy_uds_address:",
		"[authorization]",
		"trusted_clients:",
		"[update_manager]",
		"[octoprint_compat]",
	} {
		if !strings.Contains(exampleMoonrakerConf, want) {
			t.Errorf("example config is missing %q", want)
		}
	}
}
