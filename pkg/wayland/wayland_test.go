package wayland

import (
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kstack-dev/kstack/pkg/initsys"
)

type fakeInit struct{ init initsys.Init }

func (f fakeInit) Init() initsys.Init { return f.init }

func testLauncher(t *testing.T, init initsys.Init, env map[string]string) *Launcher {
	t.Helper()
	log, _ := zap.NewDevelopment()
	return &Launcher{
		log:       log.Sugar(),
		init:      fakeInit{init},
		Home:      t.TempDir(),
		ScreenDir: "/home/user/KlipperScreen",
		EnvDir:    "/home/user/.KlipperScreen-env",
		getenv:    func(name string) string { return env[name] },
	}
}

func TestPresetByKey(t *testing.T) {
	if p := PresetByKey("1"); p == nil || p.Name != "Phosh" {
		t.Fatalf("got %+v", p)
	}
	if p := PresetByKey("9"); p != nil {
		t.Fatalf("got %+v", p)
	}
}

func TestConfigureSystemd(t *testing.T) {
	l := testLauncher(t, initsys.Systemd, nil)
	set, err := l.Configure(*PresetByKey("1"))
	if err != nil {
		t.Fatal(err)
	}

	if set.Backend != SystemdUser {
		t.Fatalf("backend = %v", set.Backend)
	}
	wrapper, err := os.ReadFile(set.Wrapper)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"#!/bin/sh",
		`export BACKEND="w"`,
		`export GDK_BACKEND="wayland"`,
		`exec "/home/user/KlipperScreen/scripts/KlipperScreen-start.sh" "$@"`,
	} {
		if !strings.Contains(string(wrapper), want) {
			t.Fatalf("wrapper missing %q:\n%s", want, wrapper)
		}
	}
	info, err := os.Stat(set.Wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatal("wrapper not executable")
	}

	service, err := os.ReadFile(set.BackendFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(service), "WantedBy=default.target") {
		t.Fatalf("service content:\n%s", service)
	}
}

func TestConfigureOpenRCWritesMoonrakerWait(t *testing.T) {
	l := testLauncher(t, initsys.OpenRC, nil)
	set, err := l.Configure(*PresetByKey("3"))
	if err != nil {
		t.Fatal(err)
	}

	if set.Backend != OpenRCUser {
		t.Fatalf("backend = %v", set.Backend)
	}
	content, err := os.ReadFile(set.BackendFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"#!/sbin/openrc-run",
		"wait_for_moonraker",
		"http://127.0.0.1:7125/server/info",
	} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("openrc stub missing %q", want)
		}
	}
}

func TestConfigureAutostartForMatchingShell(t *testing.T) {
	l := testLauncher(t, initsys.Systemd, map[string]string{"XDG_CURRENT_DESKTOP": "Phosh:GNOME"})
	set, err := l.Configure(*PresetByKey("1"))
	if err != nil {
		t.Fatal(err)
	}
	if set.Autostart == "" {
		t.Fatal("expected autostart entry for matching shell")
	}
	content, err := os.ReadFile(set.Autostart)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "OnlyShowIn=GNOME;Phosh;") {
		t.Fatalf("autostart content:\n%s", content)
	}
}

func TestConfigureNoAutostartForMismatchedShell(t *testing.T) {
	l := testLauncher(t, initsys.Systemd, map[string]string{"XDG_CURRENT_DESKTOP": "Phosh"})
	set, err := l.Configure(*PresetByKey("2"))
	if err != nil {
		t.Fatal(err)
	}
	if set.Autostart != "" {
		t.Fatal("autostart must not be written for a mismatched shell")
	}
}

func TestSystemdEnvQuoting(t *testing.T) {
	l := testLauncher(t, initsys.Systemd, nil)
	preset := Preset{
		Key:  "x",
		Name: "Quoting",
		Env:  map[string]string{"SPACED": "a b", "PLAIN": "ab"},
	}
	path, err := l.writeSystemdUserService(preset, "/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), `Environment="SPACED=a b"`) {
		t.Fatalf("spaced value not quoted:\n%s", content)
	}
	if !strings.Contains(string(content), "Environment=PLAIN=ab\n") {
		t.Fatalf("plain value quoted:\n%s", content)
	}
}

func TestDetectShell(t *testing.T) {
	cases := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"XDG_CURRENT_DESKTOP": "Phosh"}, "phosh"},
		{map[string]string{"DESKTOP_SESSION": "plasma-mobile"}, "plasma"},
		{map[string]string{"XDG_SESSION_DESKTOP": "sxmo"}, "sxmo"},
		{map[string]string{}, ""},
	}
	for _, tc := range cases {
		l := testLauncher(t, initsys.Systemd, tc.env)
		if got := l.DetectShell(); got != tc.want {
			t.Fatalf("env %v: got %q, want %q", tc.env, got, tc.want)
		}
	}
}

func TestParseWlrRandr(t *testing.T) {
	out := `DSI-1 "Panel" (focused)
  Physical size: 68x136 mm
  Enabled: yes
  Transform: 90
  Modes:
    720x1440 px, 60.000000 Hz (preferred, current)
HDMI-A-1 "External"
  Enabled: no
`
	d := parseWlrRandr(out)
	if d == nil {
		t.Fatal("no display detected")
	}
	if d.Name != "DSI-1" || d.Width != 720 || d.Height != 1440 {
		t.Fatalf("got %+v", d)
	}
	if !d.Rotated || d.Rotation != 90 {
		t.Fatalf("rotation = %+v", d)
	}
}

func TestParseWlrRandrSkipsExternal(t *testing.T) {
	out := `HDMI-A-1 "External"
  Enabled: yes
  Modes:
    1920x1080 px, 60.000000 Hz (current)
`
	if d := parseWlrRandr(out); d != nil {
		t.Fatalf("external connector must not match, got %+v", d)
	}
}

func TestParseWestonInfo(t *testing.T) {
	out := `interface: 'wl_output', version: 3, name: 10
output mode
output DSI-1
	x: 0, y: 0, scale: 2
	transform=270
	mode: 720x1440 px, refresh: 60.000 Hz
`
	d := parseWestonInfo(out)
	if d == nil {
		t.Fatal("no display detected")
	}
	if d.Name != "DSI-1" || d.Width != 720 || d.Height != 1440 || d.Rotation != 270 {
		t.Fatalf("got %+v", d)
	}
}

func TestTransformToRotation(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		rotated bool
	}{
		{"normal", 0, true},
		{"90", 90, true},
		{"flipped-180", 180, true},
		{"left", 270, true},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, rotated := transformToRotation(tc.in)
		if got != tc.want || rotated != tc.rotated {
			t.Fatalf("%q: got %d/%v", tc.in, got, rotated)
		}
	}
}
