// Package firewall opens nftables ports for the installed services.
// postmarketOS ships a default-deny inet filter input chain, so freshly
// installed web interfaces are unreachable until rules are added.
package firewall

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	listChainCmd = []string{"sudo", "nft", "list", "chain", "inet", "filter", "input"}
	addRuleCmd   = []string{"sudo", "nft", "add", "rule", "inet", "filter", "input"}
)

// Scope restricts a rule to one address family and source network.
type Scope struct {
	Family  string // "ip" or "ip6"
	Network string // CIDR notation
}

// AllNetworks allows connections from anywhere, v4 and v6.
var AllNetworks = []Scope{
	{Family: "ip", Network: "0.0.0.0/0"},
	{Family: "ip6", Network: "::/0"},
}

type runFunc func(args ...string) (string, int)

// Firewall manages the host's nftables input chain.
type Firewall struct {
	log *zap.SugaredLogger

	lookPath func(string) (string, error)
	run      runFunc
}

// New returns a Firewall using the nft binary.
func New(log *zap.SugaredLogger) *Firewall {
	return &Firewall{log: log, lookPath: exec.LookPath, run: runCombined}
}

// Available reports whether nft exists on this host.
func (f *Firewall) Available() bool {
	_, err := f.lookPath("nft")
	return err == nil
}

// InputChain returns the current inet filter input chain listing.
func (f *Firewall) InputChain() (string, error) {
	out, code := f.run(listChainCmd...)
	if code != 0 {
		if strings.Contains(out, "No such file or directory") || strings.Contains(out, "does not exist") {
			return "", errors.New("default nftables filter/input chain is missing")
		}
		return "", fmt.Errorf("inspecting nftables input chain: %s", strings.TrimSpace(out))
	}
	return out, nil
}

// HasPortRule reports whether the chain listing already accepts the port.
func HasPortRule(chain string, port int) bool {
	return strings.Contains(chain, fmt.Sprintf("tcp dport %d", port))
}

// MissingPorts filters ports down to those without an accept rule, sorted
// and deduplicated.
func (f *Firewall) MissingPorts(ports []int) ([]int, error) {
	chain, err := f.InputChain()
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var missing []int
	for _, port := range ports {
		if port == 0 || seen[port] {
			continue
		}
		seen[port] = true
		if !HasPortRule(chain, port) {
			missing = append(missing, port)
		}
	}
	sort.Ints(missing)
	return missing, nil
}

// AllowPort adds accept rules for the port, one per scope. An empty scope
// list yields a single unrestricted rule. Rules already present in the chain
// are skipped.
func (f *Firewall) AllowPort(port int, scopes []Scope) error {
	chain, err := f.InputChain()
	if err != nil {
		return err
	}

	if len(scopes) == 0 {
		return f.addRule(chain, port, nil)
	}
	for i := range scopes {
		if err := f.addRule(chain, port, &scopes[i]); err != nil {
			return err
		}
		if updated, err := f.InputChain(); err == nil {
			chain = updated
		}
	}
	return nil
}

func (f *Firewall) addRule(chain string, port int, scope *Scope) error {
	search := fmt.Sprintf("tcp dport %d", port)
	if scope != nil {
		search = fmt.Sprintf("%s saddr %s %s", scope.Family, scope.Network, search)
	}
	if strings.Contains(chain, search) {
		return nil
	}

	cmd := append([]string{}, addRuleCmd...)
	if scope != nil {
		f.log.Infow("adding nftables rule", "port", port, "family", scope.Family, "network", scope.Network)
		cmd = append(cmd, scope.Family, "saddr", scope.Network)
	} else {
		f.log.Infow("adding nftables rule", "port", port)
	}
	cmd = append(cmd, "tcp", "dport", fmt.Sprintf("%d", port), "accept")

	if out, code := f.run(cmd...); code != 0 {
		return fmt.Errorf("adding nftables rule: %s", strings.TrimSpace(out))
	}
	return nil
}

// LocalNetworks detects the subnets of active interfaces via iproute2,
// skipping loopback and link-local addresses.
func (f *Firewall) LocalNetworks() []Scope {
	var scopes []Scope
	for _, family := range []string{"inet", "inet6"} {
		out, code := f.run("ip", "-o", "-f", family, "addr", "show")
		if code != 0 {
			continue
		}
		scopes = append(scopes, parseAddrShow(out, family == "inet6")...)
	}
	return scopes
}

// parseAddrShow extracts subnet prefixes from "ip -o addr show" output.
func parseAddrShow(out string, v6 bool) []Scope {
	var scopes []Scope
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, " lo ") || strings.Contains(line, "scope host") {
			continue
		}
		if v6 && strings.Contains(line, " scope link ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		prefix, err := netip.ParsePrefix(fields[3])
		if err != nil {
			continue
		}
		network := prefix.Masked().String()
		if seen[network] {
			continue
		}
		seen[network] = true
		family := "ip"
		if prefix.Addr().Is6() {
			family = "ip6"
		}
		scopes = append(scopes, Scope{Family: family, Network: network})
	}
	return scopes
}

// ParseNetworks parses a comma-separated list of CIDR blocks or single
// addresses into scopes, deduplicated per family.
func ParseNetworks(input string) ([]Scope, error) {
	var scopes []Scope
	seen := make(map[string]bool)
	for _, entry := range strings.Split(input, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid network %q", entry)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}

		network := prefix.Masked().String()
		if seen[network] {
			continue
		}
		seen[network] = true
		family := "ip"
		if prefix.Addr().Is6() {
			family = "ip6"
		}
		scopes = append(scopes, Scope{Family: family, Network: network})
	}
	if len(scopes) == 0 {
		return nil, errors.New("no valid networks provided")
	}
	return scopes, nil
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
