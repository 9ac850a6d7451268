package cfgfile

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sample = `# printer configuration
# edited by hand, do not reorder

[server]
host: 0.0.0.0
port = 7125

[authorization]
trusted_clients:
    127.0.0.1
    192.168.1.0/24
; legacy option kept for reference
#force_logins: false

[update_manager]
refresh_interval: 168
`

func TestRoundTripPreservesBytes(t *testing.T) {
	f := Parse(sample)
	if got := f.String(); got != sample {
		t.Fatalf("round trip changed content:\n%s", got)
	}
}

func TestSections(t *testing.T) {
	f := Parse(sample)
	want := []string{"server", "authorization", "update_manager"}
	if got := f.Sections(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetKeepsSeparatorStyles(t *testing.T) {
	f := Parse(sample)
	if got := f.Get("server", "host"); got != "0.0.0.0" {
		t.Fatalf("host = %q", got)
	}
	if got := f.Get("server", "port"); got != "7125" {
		t.Fatalf("port = %q", got)
	}
	if got := f.Get("server", "missing"); got != "" {
		t.Fatalf("missing = %q", got)
	}
}

func TestGetAllMultiline(t *testing.T) {
	f := Parse(sample)
	want := []string{"127.0.0.1", "192.168.1.0/24"}
	if got := f.GetAll("authorization", "trusted_clients"); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSetExistingOptionKeepsEverythingElse(t *testing.T) {
	f := Parse(sample)
	f.Set("server", "port", "7126")

	out := f.String()
	if !strings.Contains(out, "port = 7126\n") {
		t.Fatalf("separator style not kept:\n%s", out)
	}
	if !strings.Contains(out, "# edited by hand, do not reorder") {
		t.Fatal("comment lost")
	}
	if !strings.Contains(out, "host: 0.0.0.0\n") {
		t.Fatal("untouched option changed")
	}
}

func TestSetPreservesEqualsSeparatorSpacing(t *testing.T) {
	f := Parse("[server]\nhost: 0.0.0.0\nport = 7125\n")
	f.Set("server", "port", "7126")
	f.Set("server", "host", "127.0.0.1")

	want := "[server]\nhost: 127.0.0.1\nport = 7126\n"
	if got := f.String(); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestSetCreatesSectionAndOption(t *testing.T) {
	f := Parse(sample)
	f.Set("update_manager mainsail", "type", "web")
	f.Set("update_manager mainsail", "channel", "stable")

	out := f.String()
	idx := strings.Index(out, "[update_manager mainsail]")
	if idx < 0 {
		t.Fatalf("section not added:\n%s", out)
	}
	if out[idx-2] != '\n' {
		t.Fatal("added section not separated by blank line")
	}
	if !strings.Contains(out, "type: web\n") || !strings.Contains(out, "channel: stable\n") {
		t.Fatalf("options not written:\n%s", out)
	}
}

func TestSetMultiline(t *testing.T) {
	f := Parse("[authorization]\ntrusted_clients: 10.0.0.1\n")
	f.SetMultiline("authorization", "trusted_clients", []string{"127.0.0.1", "fd00::/8"})

	want := "[authorization]\ntrusted_clients:\n    127.0.0.1\n    fd00::/8\n"
	if got := f.String(); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestRemoveSection(t *testing.T) {
	f := Parse(sample)
	if !f.RemoveSection("authorization") {
		t.Fatal("expected removal")
	}
	if f.RemoveSection("authorization") {
		t.Fatal("double removal reported true")
	}
	out := f.String()
	if strings.Contains(out, "trusted_clients") {
		t.Fatalf("section content survived removal:\n%s", out)
	}
}

func TestRemoveOption(t *testing.T) {
	f := Parse(sample)
	if !f.RemoveOption("authorization", "trusted_clients") {
		t.Fatal("expected removal")
	}
	out := f.String()
	if strings.Contains(out, "127.0.0.1") {
		t.Fatal("continuation lines survived removal")
	}
	if !strings.Contains(out, "; legacy option kept for reference") {
		t.Fatal("comment inside section lost")
	}
}

func TestContinuationStopsAtBlankLine(t *testing.T) {
	text := "[gcode_macro START]\ngcode:\n    G28\n\n    M117 stray\n"
	f := Parse(text)
	if got := f.GetAll("gcode_macro START", "gcode"); !reflect.DeepEqual(got, []string{"G28"}) {
		t.Fatalf("got %v", got)
	}
}

func TestPreludeBeforeFirstSection(t *testing.T) {
	text := "# generated file\n\n[one]\nkey: value\n"
	f := Parse(text)
	if got := f.String(); got != text {
		t.Fatalf("got:\n%s", got)
	}
}

func TestLoadAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moonraker.conf")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Set("update_manager", "refresh_interval", "24")
	if err := f.Save(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "refresh_interval: 24\n") {
		t.Fatalf("save did not persist change:\n%s", data)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.conf")); err == nil {
		t.Fatal("expected error")
	}
}
