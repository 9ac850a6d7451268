package nginx

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testServer(t *testing.T, run runFunc) *Server {
	t.Helper()
	log, _ := zap.NewDevelopment()
	return &Server{log: log.Sugar(), run: run, root: t.TempDir()}
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestConfDirPrefersExisting(t *testing.T) {
	s := testServer(t, nil)
	if got := s.ConfDir(); got != "/etc/nginx/conf.d" {
		t.Fatalf("default conf dir = %q", got)
	}

	mkdirAll(t, s.path("/etc/nginx/http.d"))
	if got := s.ConfDir(); got != "/etc/nginx/http.d" {
		t.Fatalf("got %q, want http.d on alpine-style hosts", got)
	}

	mkdirAll(t, s.path("/etc/nginx/conf.d"))
	if got := s.ConfDir(); got != "/etc/nginx/conf.d" {
		t.Fatalf("got %q, want conf.d when both exist", got)
	}
}

func TestEnsureSiteLayoutCreatesDirsAndInclude(t *testing.T) {
	var calls [][]string
	s := testServer(t, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})

	if err := s.EnsureSiteLayout(); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected two install calls plus the include tee, got %v", calls)
	}
	if calls[0][1] != "install" || calls[1][1] != "install" {
		t.Fatalf("got %v", calls)
	}
	if calls[2][1] != "tee" || !strings.HasSuffix(calls[2][2], "kstack-sites.conf") {
		t.Fatalf("got %v", calls[2])
	}
}

func TestEnsureSiteLayoutSkipsWhenIncluded(t *testing.T) {
	var calls [][]string
	s := testServer(t, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		return "", 0
	})
	mkdirAll(t, s.path(SitesAvailable))
	mkdirAll(t, s.path(SitesEnabled))
	mkdirAll(t, s.path("/etc/nginx"))
	conf := "user nginx;\nhttp {\n    include /etc/nginx/sites-enabled/*;\n}\n"
	if err := os.WriteFile(s.path("/etc/nginx/nginx.conf"), []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.EnsureSiteLayout(); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Fatalf("no commands expected, got %v", calls)
	}
}

func TestWriteConfFile(t *testing.T) {
	var calls [][]string
	var body []byte
	s := testServer(t, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		body = stdin
		return "", 0
	})
	mkdirAll(t, s.path("/etc/nginx/http.d"))

	if err := s.WriteConfFile("upstreams.conf", "upstream x {}\n"); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0][1] != "tee" || !strings.HasSuffix(calls[0][2], "http.d/upstreams.conf") {
		t.Fatalf("got %v", calls)
	}
	if string(body) != "upstream x {}\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestRenderTemplate(t *testing.T) {
	template := "listen %PORT%;\nroot %ROOT%;\n"
	got := RenderTemplate(template, map[string]string{"PORT": "80", "ROOT": "/home/pi/mainsail"})
	want := "listen 80;\nroot /home/pi/mainsail;\n"
	if got != want {
		t.Fatalf("got %q", got)
	}
}

func TestListenPort(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
	}{
		{"plain", "server {\n    listen 80;\n}\n", 80},
		{"default server", "listen 80 default_server;\nlisten [::]:80 default_server;\n", 80},
		{"ipv4 bound", "listen 127.0.0.1:7136;\n", 7136},
		{"last one wins", "listen 80;\nlisten [::]:81;\n", 81},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "site")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := ListenPort(path)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestListenPortUnparsable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site")
	if err := os.WriteFile(path, []byte("server {\n}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ListenPort(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestUsedPorts(t *testing.T) {
	s := testServer(t, nil)
	mkdirAll(t, s.path(SitesEnabled))
	sites := map[string]string{
		"mainsail": "listen 80;\n",
		"fluidd":   "listen 81;\n",
		"broken":   "server {}\n",
	}
	for name, content := range sites {
		if err := os.WriteFile(filepath.Join(s.path(SitesEnabled), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if got := s.UsedPorts(); !reflect.DeepEqual(got, []int{80, 81}) {
		t.Fatalf("got %v", got)
	}
}

func TestNextFreePort(t *testing.T) {
	got, err := NextFreePort([]int{80, 81, 82})
	if err != nil {
		t.Fatal(err)
	}
	if got != 83 {
		t.Fatalf("got %d, want 83", got)
	}

	got, err = NextFreePort(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 80 {
		t.Fatalf("got %d, want 80", got)
	}
}

func TestSetListenPort(t *testing.T) {
	var written []byte
	s := testServer(t, func(stdin []byte, args ...string) (string, int) {
		written = stdin
		return "", 0
	})
	mkdirAll(t, s.path(SitesAvailable))
	content := "server {\n    listen 80 default_server;\n    listen [::]:80 default_server;\n    root /home/pi/mainsail;\n}\n"
	if err := os.WriteFile(filepath.Join(s.path(SitesAvailable), "mainsail"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.SetListenPort("mainsail", 80, 7136); err != nil {
		t.Fatal(err)
	}
	got := string(written)
	if !strings.Contains(got, "listen 7136 default_server;") || !strings.Contains(got, "listen [::]:7136 default_server;") {
		t.Fatalf("ports not rewritten:\n%s", got)
	}
	if !strings.Contains(got, "root /home/pi/mainsail;") {
		t.Fatal("unrelated line changed")
	}
}

func TestCreateSite(t *testing.T) {
	var calls [][]string
	var teeBodies []string
	s := testServer(t, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		if args[1] == "tee" {
			teeBodies = append(teeBodies, string(stdin))
		}
		return "", 0
	})
	mkdirAll(t, s.path(SitesAvailable))
	mkdirAll(t, s.path(SitesEnabled))
	mkdirAll(t, s.path("/etc/nginx"))
	conf := "include /etc/nginx/sites-enabled/*;\n"
	if err := os.WriteFile(s.path("/etc/nginx/nginx.conf"), []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.CreateSite("fluidd", "listen %PORT%;\n", map[string]string{"PORT": "81"})
	if err != nil {
		t.Fatal(err)
	}

	var sawRmDefault, sawSymlink bool
	for _, call := range calls {
		if call[1] == "rm" && strings.HasSuffix(call[3], "sites-enabled/default") {
			sawRmDefault = true
		}
		if call[1] == "ln" {
			sawSymlink = true
		}
	}
	if !sawRmDefault || !sawSymlink {
		t.Fatalf("missing rm-default or symlink in %v", calls)
	}
	if len(teeBodies) != 1 || teeBodies[0] != "listen 81;\n" {
		t.Fatalf("rendered site body = %q", teeBodies)
	}
}
