// kstack: installs, updates, and removes the Klipper 3D printing stack
// (Klipper, Moonraker, Mainsail/Fluidd, KlipperScreen, Crowsnest) on
// Debian- and Alpine-family Linux hosts.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kstack-dev/kstack/pkg/components"
	"github.com/kstack-dev/kstack/pkg/config"
	"github.com/kstack-dev/kstack/pkg/firewall"
	"github.com/kstack-dev/kstack/pkg/prompt"
	"github.com/kstack-dev/kstack/pkg/sudo"
	"github.com/kstack-dev/kstack/pkg/wireguard"
)

var (
	version = "dev"
	commit  = "none"
)

// component is what every managed stack member implements.
type component interface {
	Name() string
	Install(ctx context.Context) error
	Update(ctx context.Context) error
	Remove(ctx context.Context) error
	Status(fetchRemote bool) components.StatusReport
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "kstack",
		Short:         "Klipper stack installer and updater",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	f := rootCmd.PersistentFlags()
	f.String("config", "", "Path to configuration file (default ~/.config/kstack/kstack.yaml)")
	f.String("klipper-repo", "", "Klipper repository URL")
	f.String("klipper-branch", "", "Klipper branch to check out")
	f.String("moonraker-repo", "", "Moonraker repository URL")
	f.Int("moonraker-port", 0, "Moonraker API port")
	f.Int("mainsail-port", 0, "Mainsail listen port")
	f.Int("fluidd-port", 0, "Fluidd listen port")
	f.Bool("backup-before-update", true, "Back up components before updating them")
	f.Int("refresh-interval", 0, "Sudo credential refresh interval in seconds")

	rootCmd.AddCommand(
		newInstallCmd(),
		newUpdateCmd(),
		newRemoveCmd(),
		newStatusCmd(),
		newSystemUpgradeCmd(),
		newFirewallCmd(),
		newWireGuardCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env bundles what every subcommand needs after setup.
type env struct {
	log     *zap.SugaredLogger
	cfg     *config.Config
	deps    *components.Deps
	session *sudo.Session
	cancel  func()
}

// setup builds the logger, loads the configuration, primes the sudo
// credential cache, and wires the component dependencies.
func setup(cmd *cobra.Command) (*env, context.Context, error) {
	logger, _ := zap.NewDevelopment()
	log := logger.Sugar()

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	prompter := prompt.New()
	session := sudo.NewSession(log,
		sudo.WithRefreshInterval(time.Duration(cfg.Kstack.RefreshIntervalSeconds)*time.Second),
		sudo.WithConfirm(prompter.Confirm),
	)
	session.EnsureActive(ctx)

	deps := components.NewDeps(log, cfg)
	deps.Prompt = prompter

	return &env{log: log, cfg: cfg, deps: deps, session: session, cancel: cancel}, ctx, nil
}

func (e *env) close() {
	e.session.Close()
	e.cancel()
	_ = e.log.Sync()
}

// stackComponents returns the managed components in dependency order.
func stackComponents(deps *components.Deps) []component {
	return []component{
		components.NewKlipper(deps),
		components.NewMoonraker(deps),
		components.NewMainsail(deps),
		components.NewFluidd(deps),
		components.NewKlipperScreen(deps),
		components.NewCrowsnest(deps),
	}
}

func findComponent(deps *components.Deps, name string) (component, error) {
	for _, c := range stackComponents(deps) {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown component %q", name)
}

func componentNames() []string {
	return []string{"klipper", "moonraker", "mainsail", "fluidd", "klipperscreen", "crowsnest"}
}

func newInstallCmd() *cobra.Command {
	var remoteMode bool
	cmd := &cobra.Command{
		Use:       "install <component>",
		Short:     "Install a stack component",
		Args:      cobra.ExactArgs(1),
		ValidArgs: componentNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			c, err := findComponent(e.deps, args[0])
			if err != nil {
				return err
			}
			if err := c.Install(ctx); err != nil {
				return err
			}
			if remoteMode {
				ui, ok := c.(*components.WebUI)
				if !ok {
					return fmt.Errorf("%s has no remote mode", c.Name())
				}
				return ui.SetRemoteMode(true)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remoteMode, "remote-mode", false,
		"Store the printer list in the browser instead of Moonraker (mainsail only)")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update [component ...]",
		Short: "Update stack components (all of them without arguments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			targets := stackComponents(e.deps)
			if len(args) > 0 {
				targets = targets[:0]
				for _, name := range args {
					c, err := findComponent(e.deps, name)
					if err != nil {
						return err
					}
					targets = append(targets, c)
				}
			}
			for _, c := range targets {
				if err := c.Update(ctx); err != nil {
					return fmt.Errorf("updating %s: %w", c.Name(), err)
				}
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "remove <component>",
		Short:     "Remove a stack component",
		Args:      cobra.ExactArgs(1),
		ValidArgs: componentNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			c, err := findComponent(e.deps, args[0])
			if err != nil {
				return err
			}
			return c.Remove(ctx)
		},
	}
}

func newStatusCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the install state of all stack components",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			fmt.Printf("%-14s %-14s %-16s %s\n", "COMPONENT", "STATUS", "LOCAL", "REMOTE")
			for _, c := range stackComponents(e.deps) {
				report := c.Status(remote)
				local, rem := report.Local, report.Remote
				if local == "" {
					local = "-"
				}
				if rem == "" {
					rem = "-"
				}
				fmt.Printf("%-14s %-14s %-16s %s\n", report.Name, report.Status, local, rem)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Also fetch the newest remote versions")
	return cmd
}

func newSystemUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "system-upgrade",
		Short: "Upgrade the host's system packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.deps.Pkgs.UpdatePackageLists(false, true); err != nil {
				return err
			}
			upgradable, err := e.deps.Pkgs.Upgradable()
			if err != nil {
				return err
			}
			if len(upgradable) == 0 {
				e.log.Info("system is up to date")
				return nil
			}
			e.log.Infow("upgrading packages", "count", len(upgradable))
			return e.deps.Pkgs.Upgrade(upgradable...)
		},
	}
}

func newFirewallCmd() *cobra.Command {
	var networks string
	cmd := &cobra.Command{
		Use:   "firewall",
		Short: "Open the stack's ports in the nftables input chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			fw := e.deps.Firewall
			if !fw.Available() {
				return fmt.Errorf("nft not found, firewall management unavailable")
			}

			var scopes []firewall.Scope
			switch networks {
			case "":
				scopes = fw.LocalNetworks()
				if len(scopes) == 0 {
					e.log.Warn("no local networks detected, allowing the ports unscoped")
				}
			case "all":
				scopes = nil
			default:
				if scopes, err = firewall.ParseNetworks(networks); err != nil {
					return err
				}
			}

			ports := []int{e.cfg.Moonraker.Port, e.cfg.Mainsail.Port, e.cfg.Fluidd.Port}
			missing, err := fw.MissingPorts(ports)
			if err != nil {
				return err
			}
			if len(missing) == 0 {
				e.log.Info("all stack ports are already allowed")
				return nil
			}
			for _, port := range missing {
				if err := fw.AllowPort(port, scopes); err != nil {
					return err
				}
				e.log.Infow("port allowed", "port", port)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&networks, "networks", "",
		"Comma separated CIDRs to scope the rules to, or \"all\" for unscoped (default: detected local networks)")
	return cmd
}

func newWireGuardCmd() *cobra.Command {
	var (
		address   string
		peerKey   string
		preshared string
		allowed   string
		dns       string
		keepalive string
		start     bool
	)
	cmd := &cobra.Command{
		Use:   "wireguard",
		Short: "Create a WireGuard client tunnel for remote printer access",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			wgCfg := e.cfg.WireGuard
			if wgCfg.Endpoint == "" {
				return fmt.Errorf("no WireGuard endpoint configured, set wireguard.endpoint in the config file")
			}

			tunnel := wireguard.New(e.log, e.deps.Init)
			private, public, err := tunnel.GenerateKeypair()
			if err != nil {
				return err
			}
			e.log.Infow("generated keypair", "publicKey", public)

			client := wireguard.ClientConfig{
				Interface:     wgCfg.Interface,
				PrivateKey:    private,
				Address:       address,
				DNS:           dns,
				PeerPublicKey: peerKey,
				PresharedKey:  preshared,
				AllowedIPs:    allowed,
				Endpoint:      wgCfg.Endpoint,
				Keepalive:     keepalive,
			}
			if err := tunnel.WriteConfig(client); err != nil {
				return err
			}
			if start {
				tunnel.EnableAndStart(wgCfg.Interface)
			}
			fmt.Println("Register this public key with the peer:", public)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "10.8.0.2/24", "Tunnel address in CIDR notation")
	cmd.Flags().StringVar(&peerKey, "peer-public-key", "", "Public key of the WireGuard peer")
	cmd.Flags().StringVar(&preshared, "preshared-key", "", "Optional preshared key")
	cmd.Flags().StringVar(&allowed, "allowed-ips", "0.0.0.0/0", "Networks routed through the tunnel")
	cmd.Flags().StringVar(&dns, "dns", "", "Optional DNS servers for the tunnel")
	cmd.Flags().StringVar(&keepalive, "keepalive", "25", "Persistent keepalive in seconds")
	cmd.Flags().BoolVar(&start, "start", false, "Enable and start the tunnel service")
	_ = cmd.MarkFlagRequired("peer-public-key")
	return cmd
}
