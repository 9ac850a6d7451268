// Package wireguard provisions a WireGuard client so Moonraker and the web
// interfaces can be reached through an encrypted tunnel instead of an open
// port.
package wireguard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kstack-dev/kstack/pkg/initsys"
)

// Dir is where client configurations live.
const Dir = "/etc/wireguard"

// ClientConfig describes one tunnel configuration.
type ClientConfig struct {
	Interface     string
	PrivateKey    string
	Address       string // client tunnel address in CIDR notation
	DNS           string // optional, comma separated
	PeerPublicKey string
	PresharedKey  string // optional
	AllowedIPs    string // optional
	Endpoint      string // host:port
	Keepalive     string // optional, seconds
}

// Render produces the wg-quick configuration file content.
func (c ClientConfig) Render() string {
	lines := []string{
		"[Interface]",
		"PrivateKey = " + c.PrivateKey,
		"Address = " + c.Address,
	}
	if c.DNS != "" {
		lines = append(lines, "DNS = "+c.DNS)
	}

	lines = append(lines, "", "[Peer]", "PublicKey = "+c.PeerPublicKey)
	if c.PresharedKey != "" {
		lines = append(lines, "PresharedKey = "+c.PresharedKey)
	}
	if c.AllowedIPs != "" {
		lines = append(lines, "AllowedIPs = "+c.AllowedIPs)
	}
	lines = append(lines, "Endpoint = "+c.Endpoint)
	if c.Keepalive != "" {
		lines = append(lines, "PersistentKeepalive = "+c.Keepalive)
	}
	return strings.Join(lines, "\n") + "\n"
}

type runFunc func(stdin []byte, args ...string) (string, int)

// serviceControl is the slice of initsys.Control the tunnel needs.
type serviceControl interface {
	Init() initsys.Init
	Service(name string, action initsys.ServiceAction) error
}

// Tunnel provisions WireGuard client configurations.
type Tunnel struct {
	log  *zap.SugaredLogger
	init serviceControl
	run  runFunc
	now  func() time.Time
}

// New returns a Tunnel using the wg and wg-quick binaries.
func New(log *zap.SugaredLogger, init *initsys.Control) *Tunnel {
	return &Tunnel{log: log, init: init, run: runWithInput, now: time.Now}
}

// GenerateKeypair creates a fresh private/public key pair via wg genkey.
func (t *Tunnel) GenerateKeypair() (private, public string, err error) {
	out, code := t.run(nil, "wg", "genkey")
	if code != 0 {
		return "", "", fmt.Errorf("generating private key: %s", strings.TrimSpace(out))
	}
	private = strings.TrimSpace(out)
	if private == "" {
		return "", "", errors.New("wg genkey produced no output")
	}

	public, err = t.DerivePublicKey(private)
	if err != nil {
		return "", "", err
	}
	return private, public, nil
}

// DerivePublicKey computes the public key of a private key via wg pubkey.
func (t *Tunnel) DerivePublicKey(private string) (string, error) {
	out, code := t.run([]byte(private+"\n"), "wg", "pubkey")
	if code != 0 {
		return "", fmt.Errorf("deriving public key: %s", strings.TrimSpace(out))
	}
	public := strings.TrimSpace(out)
	if public == "" {
		return "", errors.New("wg pubkey produced no output")
	}
	return public, nil
}

// WriteConfig writes the client configuration under /etc/wireguard with
// root-only permissions. An existing configuration is backed up first.
func (t *Tunnel) WriteConfig(cfg ClientConfig) error {
	if out, code := t.run(nil, "sudo", "mkdir", "-p", Dir); code != 0 {
		return fmt.Errorf("creating %s: %s", Dir, strings.TrimSpace(out))
	}

	path := filepath.Join(Dir, cfg.Interface+".conf")
	if err := t.backupExisting(path); err != nil {
		return err
	}

	t.log.Infow("writing WireGuard configuration", "interface", cfg.Interface, "path", path)
	if out, code := t.run([]byte(cfg.Render()), "sudo", "tee", path); code != 0 {
		return fmt.Errorf("writing %s: %s", path, strings.TrimSpace(out))
	}
	if out, code := t.run(nil, "sudo", "chmod", "600", path); code != 0 {
		return fmt.Errorf("setting permissions on %s: %s", path, strings.TrimSpace(out))
	}
	return nil
}

func (t *Tunnel) backupExisting(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	backup := fmt.Sprintf("%s.%s.bak", path, t.now().Format("20060102-150405"))
	t.log.Infow("backing up existing configuration", "backup", backup)
	if out, code := t.run(nil, "sudo", "cp", path, backup); code != 0 {
		return fmt.Errorf("backing up %s: %s", path, strings.TrimSpace(out))
	}
	return nil
}

// ServiceName returns the wg-quick service unit for the interface under the
// host's init system, or "" when unsupported.
func (t *Tunnel) ServiceName(iface string) string {
	switch t.init.Init() {
	case initsys.Systemd:
		return "wg-quick@" + iface
	case initsys.OpenRC:
		return "wg-quick." + iface
	default:
		return ""
	}
}

// EnableAndStart enables the tunnel at boot and brings it up now. Failures
// are logged but not fatal; the config is valid and can be started manually.
func (t *Tunnel) EnableAndStart(iface string) {
	service := t.ServiceName(iface)
	if service == "" {
		t.log.Warn("unsupported init system, enable the WireGuard tunnel manually")
		return
	}
	if err := t.init.Service(service, initsys.Enable); err != nil {
		t.log.Warnw("could not enable WireGuard at boot", "error", err)
	}
	if err := t.init.Service(service, initsys.Start); err != nil {
		t.log.Warnw("could not start WireGuard tunnel", "error", err)
	}
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
