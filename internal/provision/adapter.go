// Package provision orchestrates multi-resource role provisioning: it
// sequences network, disk, and VM creation through the virt adapter and
// undoes partial work with a save-point ledger when a step fails.
package provision

import (
	"context"

	"github.com/MehdiConnect4/proxy-vm-wizard/internal/virt"
)

// Adapter is the subset of the virt adapter the orchestrator drives.
type Adapter interface {
	EnsureLanNetExists(ctx context.Context, lanNet string) error
	EnsureRoleNetwork(ctx context.Context, role string) (bool, error)
	DestroyNetwork(ctx context.Context, name string) error

	EnsureImagesDir(ctx context.Context, imagesDir string) error
	CopyTemplateToImagesDir(ctx context.Context, source, imagesDir string) (string, error)
	CreateOverlayDisk(ctx context.Context, templatePath, overlayPath string) error
	DeleteOverlayDisk(ctx context.Context, path string) error
	GetVMsUsingImage(ctx context.Context, imagePath string) ([]string, error)

	CreateGatewayVM(ctx context.Context, spec virt.GatewayVMSpec) error
	CreateAppVM(ctx context.Context, spec virt.AppVMSpec) error
	CreateDisposableVM(ctx context.Context, spec virt.DisposableVMSpec) error
	StartVM(ctx context.Context, name string) error
	StopVM(ctx context.Context, name string) error
	DestroyVM(ctx context.Context, name string) error
	UndefineVM(ctx context.Context, name string) error
	ListRoleVMs(ctx context.Context, role string) ([]virt.VMInfo, error)
}

var _ Adapter = (*virt.Adapter)(nil)
