package virt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// GatewayVMSpec holds parameters for creating a role's gateway VM. The
// gateway bridges the shared LAN network and the role's private network and
// gets the role directory passed through as a filesystem share.
type GatewayVMSpec struct {
	Name        string
	OverlayPath string
	LanNet      string
	RoleNet     string
	RoleDir     string
	OSVariant   string
	RAMMB       int
	VCPUs       int
}

// AppVMSpec holds parameters for creating an app VM on a role's private
// network.
type AppVMSpec struct {
	Name        string
	OverlayPath string
	RoleNet     string
	OSVariant   string
	RAMMB       int
	ShareDir    string
}

// DisposableVMSpec holds parameters for a transient disposable VM.
type DisposableVMSpec struct {
	Name        string
	OverlayPath string
	RoleNet     string
	OSVariant   string
	RAMMB       int
}

// VMExists reports whether a domain with the given name exists. As with
// networks, any non-zero exit from the status query means "does not exist".
func (a *Adapter) VMExists(ctx context.Context, name string) (bool, error) {
	out, err := a.virsh(ctx, "dominfo", name)
	if err != nil {
		return false, err
	}
	return out.Success(), nil
}

// GetVMInfo returns a VM's observed state, or nil if it does not exist.
// Kind and role come from the naming convention, never from stored state.
func (a *Adapter) GetVMInfo(ctx context.Context, name string) (*VMInfo, error) {
	out, err := a.virsh(ctx, "dominfo", name)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, nil
	}

	info := &VMInfo{Name: name, State: StateUnknown}
	if state, ok := parseColonLines(out.Stdout)["state"]; ok {
		info.State = ParseVMState(state)
	}
	info.Kind, info.Role = ParseVMName(name)
	return info, nil
}

// ListVMs returns info for all domains whose name contains pattern, or all
// domains when pattern is empty.
func (a *Adapter) ListVMs(ctx context.Context, pattern string) ([]VMInfo, error) {
	args := []string{"list", "--all", "--name"}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("list VMs: %w", cmdError("virsh", args, out))
	}

	var vms []VMInfo
	for _, line := range strings.Split(out.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if pattern != "" && !strings.Contains(name, pattern) {
			continue
		}
		info, err := a.GetVMInfo(ctx, name)
		if err != nil {
			return nil, err
		}
		if info != nil {
			vms = append(vms, *info)
		}
	}
	return vms, nil
}

// ListRoleVMs returns all VMs associated with a role by name.
func (a *Adapter) ListRoleVMs(ctx context.Context, role string) ([]VMInfo, error) {
	return a.ListVMs(ctx, role)
}

// gatewayInstallArgs builds the fixed virt-install argument set for a
// gateway VM.
func gatewayInstallArgs(spec GatewayVMSpec) []string {
	vcpus := spec.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	return []string{
		"--name", spec.Name,
		"--memory", strconv.Itoa(spec.RAMMB),
		"--vcpus", strconv.Itoa(vcpus),
		"--import",
		"--disk", fmt.Sprintf("path=%s,format=qcow2", spec.OverlayPath),
		"--network", fmt.Sprintf("network=%s,model=virtio", spec.LanNet),
		"--network", fmt.Sprintf("network=%s,model=virtio", spec.RoleNet),
		"--filesystem", fmt.Sprintf("source=%s,target=proxy,accessmode=mapped", spec.RoleDir),
		"--os-variant", spec.OSVariant,
		"--noautoconsole",
	}
}

// appInstallArgs builds the fixed virt-install argument set for an app VM.
func appInstallArgs(spec AppVMSpec) []string {
	args := []string{
		"--name", spec.Name,
		"--memory", strconv.Itoa(spec.RAMMB),
		"--vcpus", "2",
		"--import",
		"--disk", fmt.Sprintf("path=%s,format=qcow2", spec.OverlayPath),
		"--network", fmt.Sprintf("network=%s,model=virtio", spec.RoleNet),
		"--os-variant", spec.OSVariant,
		"--noautoconsole",
	}
	if spec.ShareDir != "" {
		args = append(args,
			"--filesystem", fmt.Sprintf("source=%s,target=shared,accessmode=mapped", spec.ShareDir),
		)
	}
	return args
}

// disposableInstallArgs builds the virt-install argument set for a
// transient disposable VM; --transient makes libvirt discard its definition
// on shutdown.
func disposableInstallArgs(spec DisposableVMSpec) []string {
	return []string{
		"--name", spec.Name,
		"--memory", strconv.Itoa(spec.RAMMB),
		"--vcpus", "2",
		"--import",
		"--transient",
		"--disk", fmt.Sprintf("path=%s,format=qcow2", spec.OverlayPath),
		"--network", fmt.Sprintf("network=%s,model=virtio", spec.RoleNet),
		"--os-variant", spec.OSVariant,
		"--noautoconsole",
	}
}

// CreateGatewayVM defines and starts a gateway VM. Fails fast with
// AlreadyExistsError when a domain with the name exists.
func (a *Adapter) CreateGatewayVM(ctx context.Context, spec GatewayVMSpec) error {
	exists, err := a.VMExists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		return &AlreadyExistsError{Resource: "VM", Name: spec.Name}
	}
	return a.virtInstall(ctx, spec.Name, gatewayInstallArgs(spec))
}

// CreateAppVM defines and starts an app VM.
func (a *Adapter) CreateAppVM(ctx context.Context, spec AppVMSpec) error {
	exists, err := a.VMExists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		return &AlreadyExistsError{Resource: "VM", Name: spec.Name}
	}
	return a.virtInstall(ctx, spec.Name, appInstallArgs(spec))
}

// CreateDisposableVM defines and starts a transient disposable VM.
func (a *Adapter) CreateDisposableVM(ctx context.Context, spec DisposableVMSpec) error {
	return a.virtInstall(ctx, spec.Name, disposableInstallArgs(spec))
}

func (a *Adapter) virtInstall(ctx context.Context, name string, args []string) error {
	out, err := a.run(ctx, "virt-install", args...)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("create VM %q: %w", name, cmdError("virt-install", args, out))
	}
	a.logger.Info("VM created", "vm", name)
	return nil
}

// StartVM starts a defined VM.
func (a *Adapter) StartVM(ctx context.Context, name string) error {
	args := []string{"start", name}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("start VM %q: %w", name, cmdError("virsh", args, out))
	}
	return nil
}

// StopVM requests a graceful guest shutdown.
func (a *Adapter) StopVM(ctx context.Context, name string) error {
	args := []string{"shutdown", name}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("stop VM %q: %w", name, cmdError("virsh", args, out))
	}
	return nil
}

// DestroyVM force-stops a VM. A VM that is not running counts as success.
func (a *Adapter) DestroyVM(ctx context.Context, name string) error {
	args := []string{"destroy", name}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return err
	}
	if !out.Success() && !strings.Contains(out.Stderr, "not running") {
		return fmt.Errorf("destroy VM %q: %w", name, cmdError("virsh", args, out))
	}
	return nil
}

// UndefineVM removes a VM's definition, force-stopping it first. A VM that
// is already gone counts as success.
func (a *Adapter) UndefineVM(ctx context.Context, name string) error {
	_ = a.DestroyVM(ctx, name)

	args := []string{"undefine", name}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return err
	}
	if !out.Success() && !strings.Contains(out.Stderr, "failed to get domain") {
		return fmt.Errorf("undefine VM %q: %w", name, cmdError("virsh", args, out))
	}
	return nil
}

// CleanupVM tears down a VM and its overlay disk, best-effort.
func (a *Adapter) CleanupVM(ctx context.Context, name, overlayPath string) {
	_ = a.DestroyVM(ctx, name)
	_ = a.UndefineVM(ctx, name)
	if overlayPath != "" {
		_ = a.DeleteOverlayDisk(ctx, overlayPath)
	}
}
