// Package config holds the kstack settings file. Settings control repository
// sources, web interface ports, and backup behavior; everything has a
// working default so the file is optional.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for kstack.
type Config struct {
	Kstack    KstackConfig    `yaml:"kstack"`
	Klipper   RepoConfig      `yaml:"klipper"`
	Moonraker MoonrakerConfig `yaml:"moonraker"`
	Mainsail  WebUIConfig     `yaml:"mainsail"`
	Fluidd    WebUIConfig     `yaml:"fluidd"`
	WireGuard WireGuardConfig `yaml:"wireguard"`
}

// KstackConfig covers behavior of the tool itself.
type KstackConfig struct {
	BackupBeforeUpdate bool `yaml:"backupBeforeUpdate"`
	// BackupKeep is how many snapshots to retain per component.
	BackupKeep int `yaml:"backupKeep"`
	// RefreshIntervalSeconds is the sudo credential refresh period.
	RefreshIntervalSeconds int `yaml:"refreshIntervalSeconds"`
}

// RepoConfig selects the source repository of a git-installed component.
type RepoConfig struct {
	RepoURL string `yaml:"repoUrl"`
	Branch  string `yaml:"branch"`
}

// MoonrakerConfig covers the Moonraker API server.
type MoonrakerConfig struct {
	RepoConfig `yaml:",inline"`
	Port       int `yaml:"port"`
}

// WebUIConfig covers a downloadable web interface.
type WebUIConfig struct {
	Port             int  `yaml:"port"`
	UnstableReleases bool `yaml:"unstableReleases"`
}

// WireGuardConfig carries VPN provisioning defaults.
type WireGuardConfig struct {
	Interface string `yaml:"interface"`
	Endpoint  string `yaml:"endpoint"`
}

// DefaultPath is where the settings file lives unless overridden.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "kstack", "kstack.yaml")
}

// Load reads config from file and overrides with CLI flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	configPath, _ := flags.GetString("config")
	if configPath == "" {
		configPath = DefaultPath()
	}

	cfg := &Config{
		Kstack: KstackConfig{
			BackupBeforeUpdate:     true,
			BackupKeep:             5,
			RefreshIntervalSeconds: 60,
		},
		Klipper: RepoConfig{
			RepoURL: "https://github.com/Klipper3d/klipper.git",
			Branch:  "master",
		},
		Moonraker: MoonrakerConfig{
			RepoConfig: RepoConfig{
				RepoURL: "https://github.com/Arksine/moonraker.git",
				Branch:  "master",
			},
			Port: 7125,
		},
		Mainsail:  WebUIConfig{Port: 80},
		Fluidd:    WebUIConfig{Port: 80},
		WireGuard: WireGuardConfig{Interface: "wg0"},
	}

	// Load from file if it exists
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyFlagOverrides(cfg, flags)
	return cfg, nil
}

func applyFlagOverrides(cfg *Config, flags *pflag.FlagSet) {
	if v, _ := flags.GetString("klipper-repo"); v != "" {
		cfg.Klipper.RepoURL = v
	}
	if v, _ := flags.GetString("klipper-branch"); v != "" {
		cfg.Klipper.Branch = v
	}
	if v, _ := flags.GetString("moonraker-repo"); v != "" {
		cfg.Moonraker.RepoURL = v
	}
	if v, _ := flags.GetInt("moonraker-port"); v > 0 {
		cfg.Moonraker.Port = v
	}
	if v, _ := flags.GetInt("mainsail-port"); v > 0 {
		cfg.Mainsail.Port = v
	}
	if v, _ := flags.GetInt("fluidd-port"); v > 0 {
		cfg.Fluidd.Port = v
	}
	if flags.Changed("backup-before-update") {
		v, _ := flags.GetBool("backup-before-update")
		cfg.Kstack.BackupBeforeUpdate = v
	}
	if v, _ := flags.GetInt("refresh-interval"); v > 0 {
		cfg.Kstack.RefreshIntervalSeconds = v
	}
}

// Save writes the settings back to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
