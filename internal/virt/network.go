package virt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RoleNetworkName returns the libvirt network name for a role's private
// network.
func RoleNetworkName(role string) string {
	return role + "-inet"
}

// NetworkExists reports whether a libvirt network with the given name
// exists. Any non-zero exit from the status query is treated as "does not
// exist"; virsh conflates not-found with several other failure modes and we
// accept that ambiguity.
func (a *Adapter) NetworkExists(ctx context.Context, name string) (bool, error) {
	out, err := a.virsh(ctx, "net-info", name)
	if err != nil {
		return false, err
	}
	return out.Success(), nil
}

// GetNetworkInfo returns the state of a network, or nil if it does not
// exist. Unrecognized output keys are ignored.
func (a *Adapter) GetNetworkInfo(ctx context.Context, name string) (*NetworkInfo, error) {
	out, err := a.virsh(ctx, "net-info", name)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, nil
	}

	info := &NetworkInfo{Name: name, State: NetworkUnknown}
	for key, value := range parseColonLines(out.Stdout) {
		switch key {
		case "active":
			if strings.EqualFold(value, "yes") {
				info.State = NetworkActive
			} else {
				info.State = NetworkInactive
			}
		case "autostart":
			info.Autostart = strings.EqualFold(value, "yes")
		}
	}
	return info, nil
}

// EnsureLanNetExists checks that the shared ingress network is present. It
// never creates the network; that is operator-provisioned.
func (a *Adapter) EnsureLanNetExists(ctx context.Context, lanNet string) error {
	exists, err := a.NetworkExists(ctx, lanNet)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("LAN network %q does not exist in libvirt; create/verify it via virt-manager", lanNet)
	}
	return nil
}

// EnsureRoleNetwork makes sure the role's private network exists, creating
// it if necessary. Returns true when this call created the network.
//
// Creation is three sequential virsh calls (net-define, net-autostart,
// net-start); a failure partway undoes the prior successful calls before
// returning the error.
func (a *Adapter) EnsureRoleNetwork(ctx context.Context, role string) (bool, error) {
	netName := RoleNetworkName(role)

	exists, err := a.NetworkExists(ctx, netName)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	xml := fmt.Sprintf(`<network>
  <name>%s</name>
  <bridge stp='on' delay='0'/>
</network>`, netName)

	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("net-%s.xml", netName))
	if err := os.WriteFile(tmpPath, []byte(xml), 0o644); err != nil {
		return false, fmt.Errorf("write network XML: %w", err)
	}
	defer func() { _ = os.Remove(tmpPath) }()

	defineArgs := []string{"net-define", tmpPath}
	out, err := a.virsh(ctx, defineArgs...)
	if err != nil {
		return false, err
	}
	if !out.Success() {
		return false, fmt.Errorf("define network %q: %w", netName, cmdError("virsh", defineArgs, out))
	}

	autostartArgs := []string{"net-autostart", netName}
	out, err = a.virsh(ctx, autostartArgs...)
	if err != nil || !out.Success() {
		_, _ = a.virsh(ctx, "net-undefine", netName)
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("set autostart for network %q: %w", netName, cmdError("virsh", autostartArgs, out))
	}

	startArgs := []string{"net-start", netName}
	out, err = a.virsh(ctx, startArgs...)
	if err != nil || !out.Success() {
		_, _ = a.virsh(ctx, "net-destroy", netName)
		_, _ = a.virsh(ctx, "net-undefine", netName)
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("start network %q: %w", netName, cmdError("virsh", startArgs, out))
	}

	a.logger.Info("role network created", "network", netName)
	return true, nil
}

// DestroyNetwork stops and undefines a network. An already-absent network
// is not an error; this is an idempotent teardown primitive.
func (a *Adapter) DestroyNetwork(ctx context.Context, name string) error {
	_, _ = a.virsh(ctx, "net-destroy", name)

	args := []string{"net-undefine", name}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return err
	}
	if !out.Success() && !strings.Contains(out.Stderr, "not found") {
		return fmt.Errorf("undefine network %q: %w", name, cmdError("virsh", args, out))
	}
	return nil
}

// parseColonLines splits "Key: value" lines into a lowercase-keyed map.
func parseColonLines(s string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		m[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return m
}
