// Package nginx manages the web server configuration that fronts the
// installed web interfaces. It keeps the Debian sites-available/sites-enabled
// layout working on hosts like Alpine whose nginx ships without it.
package nginx

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Debian-style site directories.
const (
	SitesAvailable = "/etc/nginx/sites-available"
	SitesEnabled   = "/etc/nginx/sites-enabled"
)

// confDirCandidates are probed in order; Debian ships conf.d, Alpine http.d.
var confDirCandidates = []string{"/etc/nginx/conf.d", "/etc/nginx/http.d"}

// portRangeMax bounds the port pool used for automatic assignment.
const (
	portRangeMin = 80
	portRangeMax = 7124
)

// listenStripRe removes the noise around the port in a listen directive.
var listenStripRe = regexp.MustCompile(`default_server|http://|https://|[;\[\]]`)

type runFunc func(stdin []byte, args ...string) (string, int)

// Server manages the local nginx configuration.
type Server struct {
	log *zap.SugaredLogger
	run runFunc

	// root allows tests to relocate /etc/nginx.
	root string
	home string
}

// New returns a Server operating on /etc/nginx.
func New(log *zap.SugaredLogger) *Server {
	home, _ := os.UserHomeDir()
	return &Server{log: log, run: runWithInput, root: "/", home: home}
}

func (s *Server) path(p string) string {
	return filepath.Join(s.root, p)
}

// ConfDir returns the conf.d-style include directory of this host's nginx.
// The first existing candidate wins; a bare host defaults to conf.d.
func (s *Server) ConfDir() string {
	for _, dir := range confDirCandidates {
		if info, err := os.Stat(s.path(dir)); err == nil && info.IsDir() {
			return dir
		}
	}
	return confDirCandidates[0]
}

// EnsureSiteLayout creates sites-available and sites-enabled when missing and
// makes sure nginx actually includes sites-enabled.
func (s *Server) EnsureSiteLayout() error {
	for _, dir := range []string{SitesAvailable, SitesEnabled} {
		if _, err := os.Stat(s.path(dir)); err == nil {
			continue
		}
		s.log.Infow("creating nginx directory", "dir", dir)
		if out, code := s.run(nil, "sudo", "install", "-d", "-m", "755", s.path(dir)); code != 0 {
			return fmt.Errorf("creating %s: %s", dir, strings.TrimSpace(out))
		}
	}
	return s.ensureSitesInclude()
}

// hasSitesInclude reports whether nginx.conf or any conf.d file already
// includes sites-enabled.
func (s *Server) hasSitesInclude() bool {
	patterns := []string{
		"include " + SitesEnabled + "/*;",
		"include " + SitesEnabled + "/*.conf;",
	}

	candidates := []string{s.path("/etc/nginx/nginx.conf")}
	if entries, err := os.ReadDir(s.path(s.ConfDir())); err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".conf") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			candidates = append(candidates, filepath.Join(s.path(s.ConfDir()), name))
		}
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		for _, pattern := range patterns {
			if strings.Contains(string(data), pattern) {
				return true
			}
		}
	}
	return false
}

func (s *Server) ensureSitesInclude() error {
	if s.hasSitesInclude() {
		return nil
	}
	s.log.Infow("adding nginx include for sites-enabled", "dir", s.ConfDir())
	return s.WriteConfFile("kstack-sites.conf", "include "+SitesEnabled+"/*;\n")
}

// WriteConfFile writes a file into the conf.d directory via sudo tee.
func (s *Server) WriteConfFile(name, content string) error {
	target := filepath.Join(s.ConfDir(), name)
	if out, code := s.run([]byte(content), "sudo", "tee", s.path(target)); code != 0 {
		return fmt.Errorf("creating %s: %s", target, strings.TrimSpace(out))
	}
	return nil
}

// RenderTemplate substitutes %key% placeholders in a site template.
func RenderTemplate(template string, values map[string]string) string {
	for key, value := range values {
		template = strings.ReplaceAll(template, "%"+key+"%", value)
	}
	return template
}

// CreateSite renders a site config into sites-available, links it into
// sites-enabled, drops the distribution default site, and fixes the home
// directory permissions nginx needs to serve files from it.
func (s *Server) CreateSite(name, template string, values map[string]string) error {
	s.log.Infow("creating nginx config", "site", name)

	if err := s.EnsureSiteLayout(); err != nil {
		return err
	}
	if out, code := s.run(nil, "sudo", "rm", "-f", s.path(filepath.Join(SitesEnabled, "default"))); code != 0 {
		return fmt.Errorf("removing default site: %s", strings.TrimSpace(out))
	}

	available := filepath.Join(SitesAvailable, name)
	if out, code := s.run([]byte(RenderTemplate(template, values)), "sudo", "tee", s.path(available)); code != 0 {
		return fmt.Errorf("creating %s: %s", available, strings.TrimSpace(out))
	}

	enabled := filepath.Join(SitesEnabled, name)
	if out, code := s.run(nil, "sudo", "ln", "-sf", s.path(available), s.path(enabled)); code != 0 {
		return fmt.Errorf("enabling %s: %s", name, strings.TrimSpace(out))
	}

	return s.fixHomePermissions()
}

// RemoveSite deletes a site from both sites directories.
func (s *Server) RemoveSite(name string) error {
	for _, dir := range []string{SitesEnabled, SitesAvailable} {
		target := filepath.Join(dir, name)
		if _, err := os.Stat(s.path(target)); err != nil {
			continue
		}
		if out, code := s.run(nil, "sudo", "rm", "-f", s.path(target)); code != 0 {
			return fmt.Errorf("removing %s: %s", target, strings.TrimSpace(out))
		}
	}
	return nil
}

// fixHomePermissions grants group and other execute on the home directory so
// nginx can traverse into the web client files. Needed since Ubuntu 21+.
func (s *Server) fixHomePermissions() error {
	if s.home == "" {
		return nil
	}
	info, err := os.Stat(s.home)
	if err != nil {
		return nil
	}
	if info.Mode().Perm()&0o011 == 0o011 {
		return nil
	}
	s.log.Info("granting nginx execute permission on the home directory ...")
	if out, code := s.run(nil, "chmod", "og+x", s.home); code != 0 {
		return fmt.Errorf("fixing home permissions: %s", strings.TrimSpace(out))
	}
	return nil
}

// ListenPort extracts the listen port from a site config file. The last
// listen directive wins, matching how the configs kstack writes are laid out.
func ListenPort(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	port := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = listenStripRe.ReplaceAllString(strings.TrimSpace(line), "")
		if !strings.HasPrefix(line, "listen") {
			continue
		}
		if strings.Contains(line, ":") {
			parts := strings.Split(line, ":")
			port = strings.TrimSpace(parts[len(parts)-1])
		} else {
			fields := strings.Fields(line)
			port = fields[len(fields)-1]
		}
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("parsing listen port %q from %s", port, filepath.Base(path))
	}
	return n, nil
}

// UsedPorts reads the listen ports of every enabled site, sorted ascending.
func (s *Server) UsedPorts() []int {
	entries, err := os.ReadDir(s.path(SitesEnabled))
	if err != nil {
		return nil
	}

	var ports []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		port, err := ListenPort(filepath.Join(s.path(SitesEnabled), entry.Name()))
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// NextFreePort returns the lowest port in the assignment pool not present in
// used.
func NextFreePort(used []int) (int, error) {
	inUse := make(map[int]bool, len(used))
	for _, p := range used {
		inUse[p] = true
	}
	for p := portRangeMin; p <= portRangeMax; p++ {
		if !inUse[p] {
			return p, nil
		}
	}
	return 0, errors.New("no free port available")
}

// SitePath is the absolute path of a site's config in sites-available.
func (s *Server) SitePath(name string) string {
	return s.path(filepath.Join(SitesAvailable, name))
}

// SetListenPort rewrites the listen directives of an existing site config
// from curr to next.
func (s *Server) SetListenPort(name string, curr, next int) error {
	path := s.SitePath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.Contains(line, "listen") {
			lines[i] = strings.ReplaceAll(line, strconv.Itoa(curr), strconv.Itoa(next))
		}
	}

	if out, code := s.run([]byte(strings.Join(lines, "\n")), "sudo", "tee", path); code != 0 {
		return fmt.Errorf("updating %s: %s", path, strings.TrimSpace(out))
	}
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
