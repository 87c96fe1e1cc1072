package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "lan-net", cfg.Libvirt.LanNet)
	assert.Equal(t, "/var/lib/libvirt/images", cfg.Libvirt.ImagesDir)
	assert.Equal(t, 1024, cfg.Defaults.GatewayRAMMB)
	assert.Equal(t, 2048, cfg.Defaults.AppRAMMB)
	assert.Equal(t, "debian12", cfg.Defaults.DebianOSVariant)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Command)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Libvirt.LanNet = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Defaults.GatewayRAMMB = 64
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Defaults.AppRAMMB = 128
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("libvirt:\n  lan_net: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Libvirt.LanNet = "office-lan"
	cfg.Defaults.GatewayRAMMB = 512
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.APIKey = "phc_test"

	require.NoError(t, Save(path, &cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}

func TestRoleDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Libvirt.ConfigRoot = "/home/u/.proxyvm/roles"
	assert.Equal(t, "/home/u/.proxyvm/roles/work", cfg.RoleDir("work"))
}
