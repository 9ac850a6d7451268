package components

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kstack-dev/kstack/pkg/cfgfile"
	"github.com/kstack-dev/kstack/pkg/nginx"
)

// webUITemplate is the nginx server block serving a web interface and
// proxying API traffic to Moonraker.
const webUITemplate = `upstream apiserver_%NAME% {
    ip_hash;
    server 127.0.0.1:%API_PORT%;
}

server {
    listen %PORT%;
    listen [::]:%PORT%;

    access_log /var/log/nginx/%NAME%-access.log;
    error_log /var/log/nginx/%NAME%-error.log;

    # web interface files
    root %ROOT_DIR%;
    index index.html;
    server_name _;

    # disable max upload size checks
    client_max_body_size 0;

    # disable proxy request buffering
    proxy_request_buffering off;

    gzip on;
    gzip_vary on;
    gzip_proxied any;
    gzip_proxied expired no-cache no-store private auth;
    gzip_comp_level 4;
    gzip_buffers 16 8k;
    gzip_http_version 1.1;
    gzip_types text/plain text/css text/xml text/javascript application/javascript application/x-javascript application/json application/xml;

    location / {
        try_files $uri $uri/ /index.html;
    }

    location = /index.html {
        add_header Cache-Control "no-store, no-cache, must-revalidate";
    }

    location /websocket {
        proxy_pass http://apiserver_%NAME%/websocket;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $http_host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_read_timeout 86400;
    }

    location ~ ^/(printer|api|access|machine|server)/ {
        proxy_pass http://apiserver_%NAME%$request_uri;
        proxy_set_header Host $http_host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Scheme $scheme;
    }
}
`

// WebUI manages a browser frontend (Mainsail or Fluidd) served by nginx.
type WebUI struct {
	deps *Deps

	name          string
	repoPath      string // owner/repo on GitHub
	configRepoURL string
	configInclude string // include file the client config ships
	port          int
	unstable      bool

	httpGet func(url string) (*http.Response, error)
}

// NewMainsail returns the Mainsail component.
func NewMainsail(deps *Deps) *WebUI {
	return &WebUI{
		deps:          deps,
		name:          "mainsail",
		repoPath:      "mainsail-crew/mainsail",
		configRepoURL: "https://github.com/mainsail-crew/mainsail-config.git",
		configInclude: "mainsail.cfg",
		port:          deps.Cfg.Mainsail.Port,
		unstable:      deps.Cfg.Mainsail.UnstableReleases,
		httpGet:       http.Get,
	}
}

// NewFluidd returns the Fluidd component.
func NewFluidd(deps *Deps) *WebUI {
	return &WebUI{
		deps:          deps,
		name:          "fluidd",
		repoPath:      "fluidd-core/fluidd",
		configRepoURL: "https://github.com/fluidd-core/fluidd-config.git",
		configInclude: "fluidd.cfg",
		port:          deps.Cfg.Fluidd.Port,
		unstable:      deps.Cfg.Fluidd.UnstableReleases,
		httpGet:       http.Get,
	}
}

func (w *WebUI) Name() string { return w.name }

// Dir is where the static files are unpacked.
func (w *WebUI) Dir() string { return filepath.Join(w.deps.Home, w.name) }

// ConfigCheckoutDir is the client config repository checkout.
func (w *WebUI) ConfigCheckoutDir() string {
	return filepath.Join(w.deps.Home, w.name+"-config")
}

func (w *WebUI) repoURL() string { return "https://github.com/" + w.repoPath + ".git" }

func (w *WebUI) siteFile() string { return w.deps.Nginx.SitePath(w.name) }

// DownloadURL picks the release archive to fetch. Stable releases come from
// the latest-release redirect; unstable ones resolve the newest tag first
// and fall back to stable when that fails.
func (w *WebUI) DownloadURL() string {
	base := "https://github.com/" + w.repoPath + "/releases"
	stable := base + "/latest/download/" + w.name + ".zip"
	if !w.unstable {
		return stable
	}
	tag, err := w.deps.Git.LatestRemoteTag(w.repoURL())
	if err != nil || tag == "" {
		return stable
	}
	return base + "/download/" + tag + "/" + w.name + ".zip"
}

// LocalVersion reads the unpacked release's version. Newer releases ship a
// release_info.json, older ones a plain .version file.
func (w *WebUI) LocalVersion() string {
	if _, err := os.Stat(w.Dir()); err != nil {
		return ""
	}
	if data, err := os.ReadFile(filepath.Join(w.Dir(), "release_info.json")); err == nil {
		var info struct {
			Version string `json:"version"`
		}
		if json.Unmarshal(data, &info) == nil && info.Version != "" {
			return info.Version
		}
	}
	if data, err := os.ReadFile(filepath.Join(w.Dir(), ".version")); err == nil {
		return strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	}
	return "n/a"
}

// Status reports the install state and versions.
func (w *WebUI) Status(fetchRemote bool) StatusReport {
	report := StatusReport{
		Name:   w.name,
		Status: installStatus(w.Dir(), w.siteFile()),
		Local:  w.LocalVersion(),
	}
	if fetchRemote {
		if tag, err := w.deps.Git.LatestRemoteTag(w.repoURL()); err == nil {
			report.Remote = tag
		}
	}
	return report
}

// ConfigConflict reports whether the other client's config checkout is
// present. Multiple client configs are redundant and can conflict.
func (w *WebUI) ConfigConflict() bool {
	other := "mainsail-config"
	if w.name == "mainsail" {
		other = "fluidd-config"
	}
	_, err := os.Stat(filepath.Join(w.deps.Home, other))
	return err == nil
}

// Install downloads the release, sets up the nginx site, and registers the
// client with Moonraker's update manager.
func (w *WebUI) Install(ctx context.Context) error {
	log := w.deps.Log
	log.Infof("installing %s ...", w.name)

	if w.ConfigConflict() {
		log.Warnf("another client config is already installed, it may conflict with %s", w.configInclude)
	}

	missing, err := w.deps.Pkgs.Missing([]string{"nginx"})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		if err := w.deps.Pkgs.Install(missing...); err != nil {
			return err
		}
	}

	if err := w.downloadAndExtract(); err != nil {
		return err
	}
	if err := w.createSite(); err != nil {
		return err
	}
	w.symlinkLogs()

	if ok, _ := w.deps.Prompt.Confirm(fmt.Sprintf("Install the recommended %s macros?", w.configInclude), true); ok {
		if err := w.installClientConfig(); err != nil {
			return err
		}
	}
	if err := w.registerUpdateManager(); err != nil {
		log.Warnw("registering with Moonraker's update manager", "err", err)
	}
	log.Infof("%s successfully installed", w.name)
	return nil
}

func (w *WebUI) downloadAndExtract() error {
	url := w.DownloadURL()
	w.deps.Log.Infow("downloading release", "url", url)

	resp, err := w.httpGet(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp("", w.name+"-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("saving %s: %w", url, err)
	}
	tmp.Close()

	if err := os.RemoveAll(w.Dir()); err != nil {
		return err
	}
	return extractZip(tmp.Name(), w.Dir())
}

func extractZip(archive, target string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archive, err)
	}
	defer r.Close()

	for _, f := range r.File {
		dest := filepath.Join(target, f.Name)
		if !strings.HasPrefix(dest, filepath.Clean(target)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes target directory: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(out, src)
		src.Close()
		out.Close()
		if err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

// createSite writes the nginx server block. A port collision with another
// enabled site moves this client to the next free port.
func (w *WebUI) createSite() error {
	port := w.port
	used := w.deps.Nginx.UsedPorts()
	for _, p := range used {
		if p != port {
			continue
		}
		if existing, err := nginx.ListenPort(w.deps.Nginx.SitePath(w.name)); err == nil && existing == port {
			break // our own site already holds the port
		}
		next, err := nginx.NextFreePort(used)
		if err != nil {
			return err
		}
		w.deps.Log.Warnf("port %d is already in use, using %d for %s instead", port, next, w.name)
		port = next
		break
	}

	return w.deps.Nginx.CreateSite(w.name, webUITemplate, map[string]string{
		"NAME":     w.name,
		"PORT":     strconv.Itoa(port),
		"ROOT_DIR": w.Dir(),
		"API_PORT": strconv.Itoa(w.deps.Cfg.Moonraker.Port),
	})
}

// symlinkLogs exposes the nginx logs next to the other stack logs.
func (w *WebUI) symlinkLogs() {
	for _, suffix := range []string{"access", "error"} {
		source := fmt.Sprintf("/var/log/nginx/%s-%s.log", w.name, suffix)
		dest := filepath.Join(w.deps.LogDir(), filepath.Base(source))
		if _, err := os.Lstat(dest); err == nil {
			continue
		}
		if err := os.Symlink(source, dest); err != nil {
			w.deps.Log.Warnw("linking nginx log", "source", source, "err", err)
		}
	}
}

// installClientConfig clones the client's macro package and includes it from
// printer.cfg.
func (w *WebUI) installClientConfig() error {
	if err := w.deps.Git.Clone(w.configRepoURL, "", w.ConfigCheckoutDir()); err != nil {
		return err
	}

	link := filepath.Join(w.deps.ConfigDir(), w.configInclude)
	if _, err := os.Lstat(link); err != nil {
		if err := os.Symlink(filepath.Join(w.ConfigCheckoutDir(), w.configInclude), link); err != nil {
			return fmt.Errorf("linking %s: %w", w.configInclude, err)
		}
	}

	printerCfg := filepath.Join(w.deps.ConfigDir(), "printer.cfg")
	f, err := cfgfile.Load(printerCfg)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		f = cfgfile.Parse("")
	}
	section := "include " + w.configInclude
	if !f.HasSection(section) {
		f.AddSection(section)
		if err := f.Save(printerCfg); err != nil {
			return err
		}
	}
	return nil
}

// registerUpdateManager adds the client and its config package to
// moonraker.conf so Moonraker keeps them updated.
func (w *WebUI) registerUpdateManager() error {
	path := filepath.Join(w.deps.ConfigDir(), "moonraker.conf")
	f, err := cfgfile.Load(path)
	if err != nil {
		return err
	}

	section := "update_manager " + w.name
	if !f.HasSection(section) {
		f.AddSection(section)
	}
	f.Set(section, "type", "web")
	f.Set(section, "channel", "stable")
	f.Set(section, "repo", w.repoPath)
	f.Set(section, "path", w.Dir())

	if _, err := os.Stat(w.ConfigCheckoutDir()); err == nil {
		section := "update_manager " + w.name + "-config"
		if !f.HasSection(section) {
			f.AddSection(section)
		}
		f.Set(section, "type", "git_repo")
		f.Set(section, "primary_branch", "master")
		f.Set(section, "path", w.ConfigCheckoutDir())
		f.Set(section, "origin", w.configRepoURL)
		f.Set(section, "managed_services", "klipper")
	}
	return f.Save(path)
}

// SetRemoteMode switches Mainsail between local and browser-stored printer
// lists. Remote mode is what a Mainsail served away from the printer needs.
func (w *WebUI) SetRemoteMode(remote bool) error {
	if w.name != "mainsail" {
		return fmt.Errorf("%s has no remote mode", w.name)
	}
	path := filepath.Join(w.Dir(), "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if remote {
		cfg["instancesDB"] = "browser"
	} else {
		cfg["instancesDB"] = "moonraker"
	}

	out, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}

// Update refreshes the static files to the newest release and moves the
// nginx site when the configured port changed since install.
func (w *WebUI) Update(ctx context.Context) error {
	log := w.deps.Log
	if _, err := os.Stat(w.Dir()); err != nil {
		log.Infof("%s is not installed, skipped", w.name)
		return nil
	}

	if w.deps.Cfg.Kstack.BackupBeforeUpdate {
		if err := w.backup(); err != nil {
			return err
		}
	}
	if err := w.downloadAndExtract(); err != nil {
		return err
	}
	w.syncSitePort()
	log.Infof("%s updated", w.name)
	return nil
}

// syncSitePort applies a changed port configuration to the existing site.
func (w *WebUI) syncSitePort() {
	current, err := nginx.ListenPort(w.siteFile())
	if err != nil {
		return
	}
	next, move := portMoveTarget(w.port, current, w.deps.Nginx.UsedPorts())
	if !move {
		if next == 0 {
			w.deps.Log.Warnf("port %d is already in use, %s stays on %d", w.port, w.name, current)
		}
		return
	}
	if err := w.deps.Nginx.SetListenPort(w.name, current, next); err != nil {
		w.deps.Log.Warnw("moving nginx site to the configured port", "site", w.name, "err", err)
		return
	}
	w.deps.Log.Infow("nginx site moved", "site", w.name, "port", next)
}

// portMoveTarget decides whether a site listening on current should move to
// configured. Another enabled site holding the configured port blocks the
// move.
func portMoveTarget(configured, current int, used []int) (int, bool) {
	if configured == 0 || configured == current {
		return current, false
	}
	for _, p := range used {
		if p == configured {
			return 0, false
		}
	}
	return configured, true
}

func (w *WebUI) backup() error {
	snapshot, err := w.deps.Backup.NewSnapshot(w.name)
	if err != nil {
		return err
	}
	if err := w.deps.Backup.BackupDir(snapshot, w.Dir()); err != nil {
		return err
	}
	if _, err := os.Stat(w.ConfigCheckoutDir()); err == nil {
		if err := w.deps.Backup.BackupDir(snapshot, w.ConfigCheckoutDir()); err != nil {
			return err
		}
	}
	return w.deps.Backup.Prune(w.name, w.deps.Cfg.Kstack.BackupKeep)
}

// Remove deletes the static files, the nginx site, the log links, and the
// update manager registration. The client config checkout stays in place.
func (w *WebUI) Remove(ctx context.Context) error {
	log := w.deps.Log
	log.Infof("removing %s ...", w.name)

	if err := os.RemoveAll(w.Dir()); err != nil {
		return fmt.Errorf("removing %s: %w", w.Dir(), err)
	}
	if err := w.deps.Nginx.RemoveSite(w.name); err != nil {
		return err
	}
	for _, suffix := range []string{"access", "error"} {
		os.Remove(filepath.Join(w.deps.LogDir(), fmt.Sprintf("%s-%s.log", w.name, suffix)))
	}

	path := filepath.Join(w.deps.ConfigDir(), "moonraker.conf")
	if f, err := cfgfile.Load(path); err == nil {
		changed := f.RemoveSection("update_manager " + w.name)
		if changed {
			if err := f.Save(path); err != nil {
				return err
			}
		}
	}
	log.Infof("%s successfully removed", w.name)
	return nil
}
