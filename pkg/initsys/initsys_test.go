package initsys

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testControl(t *testing.T, init Init, run runFunc) *Control {
	t.Helper()
	log, _ := zap.NewDevelopment()
	c := &Control{log: log.Sugar(), run: run}
	c.once.Do(func() { c.init = init })
	return c
}

func TestUnitExists(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"klipper.service", "moonraker-printer2.service", "klipper-mcu.service"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name    string
		exclude []string
		want    bool
	}{
		{"klipper", nil, true},
		{"moonraker", nil, true},
		{"crowsnest", nil, false},
		{"klipper", []string{"mcu"}, true}, // klipper.service still matches
		{"moonraker", []string{"printer2"}, false},
	}
	for _, tc := range cases {
		got, err := UnitExists(dir, tc.name, "service", tc.exclude)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("UnitExists(%q, exclude=%v) = %v, want %v", tc.name, tc.exclude, got, tc.want)
		}
	}
}

func TestUnitExistsMissingDir(t *testing.T) {
	got, err := UnitExists(filepath.Join(t.TempDir(), "nope"), "klipper", "service", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("expected false for missing directory")
	}
}

func TestServiceCommandsSystemd(t *testing.T) {
	var calls [][]string
	c := testControl(t, Systemd, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := c.Service("klipper", Restart); err != nil {
		t.Fatal(err)
	}
	want := []string{"sudo", "systemctl", "restart", "klipper"}
	if !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("got %v, want %v", calls[0], want)
	}
}

func TestServiceCommandsOpenRC(t *testing.T) {
	var calls [][]string
	c := testControl(t, OpenRC, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := c.Service("crowsnest", Enable); err != nil {
		t.Fatal(err)
	}
	if err := c.Service("crowsnest", Start); err != nil {
		t.Fatal(err)
	}

	want := [][]string{
		{"sudo", "rc-update", "add", "crowsnest", "default"},
		{"sudo", "rc-service", "crowsnest", "start"},
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("got %v, want %v", calls, want)
	}
}

func TestServiceFailureIncludesOutput(t *testing.T) {
	c := testControl(t, Systemd, func(stdin []byte, args ...string) (string, int) {
		return "Unit klipper.service not found.\n", 5
	})

	err := c.Service("klipper", Stop)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected error with command output, got %v", err)
	}
}

func TestWriteUnitOpenRCMarksExecutable(t *testing.T) {
	var calls [][]string
	c := testControl(t, OpenRC, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := c.WriteUnit("crowsnest", "#!/sbin/openrc-run\n"); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected tee + chmod, got %v", calls)
	}
	if calls[1][1] != "chmod" {
		t.Fatalf("expected chmod after tee, got %v", calls[1])
	}
}

func TestDaemonReloadOpenRCNoop(t *testing.T) {
	c := testControl(t, OpenRC, func(stdin []byte, args ...string) (string, int) {
		t.Fatal("daemon-reload must not run on OpenRC")
		return "", 1
	})
	if err := c.DaemonReload(); err != nil {
		t.Fatal(err)
	}
}
