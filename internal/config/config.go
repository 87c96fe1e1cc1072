// Package config loads and persists the wizard's global YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all global configuration for the wizard.
type Config struct {
	// Libvirt configures the host virtualization layout.
	Libvirt LibvirtConfig `yaml:"libvirt"`

	// Defaults configures per-kind VM defaults applied when a template or
	// role does not override them.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Timeouts configures command and probe deadlines.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// State configures local state storage.
	State StateConfig `yaml:"state"`

	// Telemetry configures optional anonymous event capture.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LibvirtConfig configures directories and network names on the host.
type LibvirtConfig struct {
	// ConfigRoot is the root directory for per-role configurations.
	ConfigRoot string `yaml:"config_root"`

	// ImagesDir is the directory where qcow2 images are stored.
	ImagesDir string `yaml:"images_dir"`

	// LanNet is the name of the shared LAN network every gateway joins.
	LanNet string `yaml:"lan_net"`

	// ProtectedPrefixes lists path prefixes whose file operations run
	// through privilege escalation.
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
}

// DefaultsConfig configures per-kind VM defaults.
type DefaultsConfig struct {
	// GatewayRAMMB is the default RAM for gateway VMs in MB.
	GatewayRAMMB int `yaml:"gateway_ram_mb"`

	// AppRAMMB is the default RAM for app VMs in MB.
	AppRAMMB int `yaml:"app_ram_mb"`

	// DispRAMMB is the default RAM for disposable VMs in MB.
	DispRAMMB int `yaml:"disp_ram_mb"`

	// DebianOSVariant is the default OS variant for Debian templates.
	DebianOSVariant string `yaml:"debian_os_variant"`

	// FedoraOSVariant is the default OS variant for Fedora templates.
	FedoraOSVariant string `yaml:"fedora_os_variant"`
}

// TimeoutsConfig configures deadlines for external commands and probes.
type TimeoutsConfig struct {
	// Command bounds a single virsh/virt-install/qemu-img invocation.
	Command time.Duration `yaml:"command"`

	// Connect bounds a single TCP reachability probe.
	Connect time.Duration `yaml:"connect"`
}

// StateConfig configures local state storage.
type StateConfig struct {
	// DBPath is the path to the template registry SQLite database.
	DBPath string `yaml:"db_path"`
}

// TelemetryConfig configures optional PostHog event capture.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "proxyvm", "config.yaml")
	}
	return filepath.Join("/tmp", "proxyvm", "config.yaml")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	return Config{
		Libvirt: LibvirtConfig{
			ConfigRoot:        filepath.Join(home, ".proxyvm", "roles"),
			ImagesDir:         "/var/lib/libvirt/images",
			LanNet:            "lan-net",
			ProtectedPrefixes: []string{"/var/lib", "/usr", "/etc"},
		},
		Defaults: DefaultsConfig{
			GatewayRAMMB:    1024,
			AppRAMMB:        2048,
			DispRAMMB:       2048,
			DebianOSVariant: "debian12",
			FedoraOSVariant: "fedora40",
		},
		Timeouts: TimeoutsConfig{
			Command: 5 * time.Minute,
			Connect: 5 * time.Second,
		},
		State: StateConfig{
			DBPath: filepath.Join(home, ".proxyvm", "templates.db"),
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// RoleDir returns the configuration directory for a role.
func (c *Config) RoleDir(role string) string {
	return filepath.Join(c.Libvirt.ConfigRoot, role)
}

// Validate checks invariants that would otherwise surface as confusing
// virt-install failures much later.
func (c *Config) Validate() error {
	if c.Libvirt.LanNet == "" {
		return fmt.Errorf("libvirt.lan_net cannot be empty")
	}
	if c.Libvirt.ImagesDir == "" {
		return fmt.Errorf("libvirt.images_dir cannot be empty")
	}
	if c.Defaults.GatewayRAMMB < 128 {
		return fmt.Errorf("defaults.gateway_ram_mb must be at least 128, got %d", c.Defaults.GatewayRAMMB)
	}
	if c.Defaults.AppRAMMB < 256 {
		return fmt.Errorf("defaults.app_ram_mb must be at least 256, got %d", c.Defaults.AppRAMMB)
	}
	if c.Defaults.DispRAMMB < 256 {
		return fmt.Errorf("defaults.disp_ram_mb must be at least 256, got %d", c.Defaults.DispRAMMB)
	}
	return nil
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
