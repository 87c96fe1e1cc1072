package role

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MetaVersion is the current metadata schema version.
const MetaVersion = 1

// Meta is the per-role metadata persisted as role-meta.yaml in the role
// directory. It records which templates the role's VMs were built from and
// any per-role overrides applied at creation time.
type Meta struct {
	Version int    `yaml:"version"`
	Role    string `yaml:"role"`

	GatewayTemplateID    string `yaml:"gateway_template_id,omitempty"`
	AppTemplateID        string `yaml:"app_template_id,omitempty"`
	DisposableTemplateID string `yaml:"disposable_template_id,omitempty"`

	LanNetwork   string `yaml:"lan_network,omitempty"`
	GatewayRAMMB int    `yaml:"gateway_ram_mb,omitempty"`
	AppRAMMB     int    `yaml:"app_ram_mb,omitempty"`
	AppVCPUs     int    `yaml:"app_vcpus,omitempty"`

	GatewayMode string `yaml:"gateway_mode,omitempty"`

	AppVMCount int `yaml:"app_vm_count"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// NewMeta returns metadata for a freshly created role.
func NewMeta(role string) *Meta {
	now := time.Now().UTC()
	return &Meta{
		Version:   MetaVersion,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GatewayVMName returns the gateway VM name for this role.
func (m *Meta) GatewayVMName() string {
	return GatewayVMName(m.Role)
}

// AppVMName returns the name of app VM number n for this role.
func (m *Meta) AppVMName(n int) string {
	return AppVMName(m.Role, n)
}

// NetworkName returns the role's internal network name.
func (m *Meta) NetworkName() string {
	return NetworkName(m.Role)
}

// NextAppNumber increments the app VM counter and returns the number to use
// for the next app VM. Callers must persist the metadata afterwards.
func (m *Meta) NextAppNumber() int {
	m.AppVMCount++
	m.UpdatedAt = time.Now().UTC()
	return m.AppVMCount
}

// GatewayVMName returns the gateway VM name for a role.
func GatewayVMName(role string) string {
	return role + "-gw"
}

// AppVMName returns the name of app VM number n for a role.
func AppVMName(role string, n int) string {
	return fmt.Sprintf("%s-app-%d", role, n)
}

// NetworkName returns the internal network name for a role.
func NetworkName(role string) string {
	return role + "-inet"
}

// DisposableVMName returns a timestamped disposable VM name for a role.
func DisposableVMName(role string, t time.Time) string {
	return fmt.Sprintf("disp-%s-%s", role, t.Format("20060102-150405"))
}

// MetaPath returns the metadata file path for a role.
func MetaPath(cfgRoot, role string) string {
	return filepath.Join(Dir(cfgRoot, role), MetaFileName)
}

// LoadMeta reads and parses a role's metadata file.
func LoadMeta(cfgRoot, role string) (*Meta, error) {
	data, err := os.ReadFile(MetaPath(cfgRoot, role))
	if err != nil {
		return nil, fmt.Errorf("read role metadata: %w", err)
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse role metadata: %w", err)
	}
	if m.Role == "" {
		m.Role = role
	}
	return &m, nil
}

// Save writes the metadata file into the role directory, creating the
// directory if needed.
func (m *Meta) Save(cfgRoot string) error {
	m.UpdatedAt = time.Now().UTC()

	dir := Dir(cfgRoot, m.Role)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create role dir: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal role metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFileName), data, 0o644); err != nil {
		return fmt.Errorf("write role metadata: %w", err)
	}
	return nil
}
