package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MehdiConnect4/proxy-vm-wizard/internal/config"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/gateway"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/role"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/telemetry"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/template"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/virt"
)

// Step identifies a provisioning phase for progress reporting.
type Step int

const (
	StepValidateConfig Step = iota + 1
	StepTemplate
	StepLanNet
	StepRoleNetwork
	StepConfigFiles
	StepOverlay
	StepGatewayVM
	StepMetadata
	StepAppVM
)

// ProgressFunc receives step transitions during provisioning.
type ProgressFunc func(step Step, msg string)

// PreconditionError marks a failure detected before any resource was
// created. Nothing needs rolling back when one is returned.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

// Templates resolves template IDs. *template.Store satisfies it.
type Templates interface {
	Get(ctx context.Context, id string) (*template.Template, error)
}

// Orchestrator sequences role provisioning and teardown.
type Orchestrator struct {
	cfg         *config.Config
	templates   Templates
	ad          Adapter
	tel         telemetry.Service
	logger      *slog.Logger
	progress    ProgressFunc
	settleDelay time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTelemetry sets the telemetry service.
func WithTelemetry(t telemetry.Service) Option {
	return func(o *Orchestrator) { o.tel = t }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithSettleDelay overrides the pause between stopping and restarting a VM.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.settleDelay = d }
}

// New creates an orchestrator.
func New(cfg *config.Config, templates Templates, ad Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		templates:   templates,
		ad:          ad,
		tel:         &telemetry.NoopService{},
		logger:      slog.Default(),
		settleDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "provision")
	return o
}

func (o *Orchestrator) report(step Step, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logger.Info(msg, "step", int(step))
	if o.progress != nil {
		o.progress(step, msg)
	}
}

// CreateRoleRequest describes a role to provision.
type CreateRoleRequest struct {
	Role                 string
	GatewayTemplateID    string
	AppTemplateID        string
	DisposableTemplateID string
	Gateway              *gateway.Config
	CreateAppVM          bool
}

// CreateRoleResult reports what was provisioned.
type CreateRoleResult struct {
	Role        string
	GatewayVM   string
	AppVM       string
	NetworkName string
}

// CreateRole provisions a complete role: private network, config artifacts,
// gateway overlay and VM, metadata, and optionally a first app VM. On any
// fatal failure before metadata is saved, every resource created by this
// call is rolled back in reverse order and the original error is returned.
func (o *Orchestrator) CreateRole(ctx context.Context, req CreateRoleRequest) (*CreateRoleResult, error) {
	roleName := role.NormalizeName(req.Role)
	if err := role.ValidateName(roleName); err != nil {
		return nil, &PreconditionError{Reason: err.Error()}
	}
	if role.Exists(o.cfg.Libvirt.ConfigRoot, roleName) {
		return nil, &PreconditionError{Reason: fmt.Sprintf("role %q already exists", roleName)}
	}

	roleDir := o.cfg.RoleDir(roleName)
	roleNet := role.NetworkName(roleName)
	gwName := role.GatewayVMName(roleName)
	ledger := &Ledger{}

	result, err := o.createRole(ctx, req, roleName, roleDir, roleNet, gwName, ledger)
	if err != nil {
		o.logger.Error("role provisioning failed, rolling back",
			"role", roleName, "created_resources", ledger.Len(), "error", err)
		ledger.Rollback(ctx, o.ad, o.logger)
		o.tel.Track(roleName, telemetry.EventRoleCreateFailed, map[string]any{"role": roleName})
		return nil, err
	}

	o.tel.Track(roleName, telemetry.EventRoleCreated, map[string]any{
		"role":    roleName,
		"mode":    string(req.Gateway.Mode),
		"app_vm":  result.AppVM != "",
		"network": result.NetworkName,
	})
	return result, nil
}

func (o *Orchestrator) createRole(ctx context.Context, req CreateRoleRequest, roleName, roleDir, roleNet, gwName string, ledger *Ledger) (*CreateRoleResult, error) {
	// Step 1: global config must be sane before touching the host.
	o.report(StepValidateConfig, "Validating configuration...")
	if err := o.cfg.Validate(); err != nil {
		return nil, &PreconditionError{Reason: fmt.Sprintf("config validation failed: %v", err)}
	}

	// Step 2: resolve and validate the gateway template.
	o.report(StepTemplate, "Checking template...")
	if req.GatewayTemplateID == "" {
		return nil, &PreconditionError{Reason: "no gateway template selected"}
	}
	tpl, err := o.templates.Get(ctx, req.GatewayTemplateID)
	if err != nil {
		return nil, fmt.Errorf("gateway template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("gateway template: %w", err)
	}
	if req.Gateway == nil {
		return nil, &PreconditionError{Reason: "no gateway configuration provided"}
	}
	if err := req.Gateway.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}

	// Step 3: the shared LAN network is a precondition, never created here.
	o.report(StepLanNet, "Checking LAN network %q...", o.cfg.Libvirt.LanNet)
	if err := o.ad.EnsureLanNetExists(ctx, o.cfg.Libvirt.LanNet); err != nil {
		return nil, err
	}

	// Step 4: role network, ledgered only when this run created it.
	o.report(StepRoleNetwork, "Creating role network %q...", roleNet)
	created, err := o.ad.EnsureRoleNetwork(ctx, roleName)
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}
	if created {
		ledger.addNetwork(roleNet)
	} else {
		o.logger.Info("network already exists", "network", roleNet)
	}

	// Step 5: role dir, credential copies, and the config artifacts.
	o.report(StepConfigFiles, "Generating gateway configuration...")
	dirExisted := false
	if _, statErr := os.Stat(roleDir); statErr == nil {
		dirExisted = true
	}
	if err := os.MkdirAll(roleDir, 0o755); err != nil {
		return nil, fmt.Errorf("create role directory: %w", err)
	}

	manifest := []string{role.MetaFileName, role.ConfigFileName, role.ApplyScriptName}
	copies, err := o.copyCredentialFiles(req.Gateway, roleDir)
	manifest = append(manifest, copies...)
	if !dirExisted {
		ledger.addRoleDir(roleDir, manifest)
	}
	if err != nil {
		return nil, err
	}

	if _, err := gateway.WriteFiles(req.Gateway, roleDir); err != nil {
		return nil, fmt.Errorf("write gateway config: %w", err)
	}

	// Step 6: gateway overlay disk.
	o.report(StepOverlay, "Creating overlay disk...")
	overlayPath := virt.GatewayOverlayPath(o.cfg.Libvirt.ImagesDir, roleName)
	if err := o.ad.CreateOverlayDisk(ctx, tpl.Path, overlayPath); err != nil {
		return nil, fmt.Errorf("create overlay: %w", err)
	}
	ledger.addOverlay(overlayPath)

	// Step 7: gateway VM.
	o.report(StepGatewayVM, "Creating gateway VM %q...", gwName)
	ramMB := max(tpl.DefaultRAMMB, o.cfg.Defaults.GatewayRAMMB)
	if err := o.ad.CreateGatewayVM(ctx, virt.GatewayVMSpec{
		Name:        gwName,
		OverlayPath: overlayPath,
		LanNet:      o.cfg.Libvirt.LanNet,
		RoleNet:     roleNet,
		RoleDir:     roleDir,
		OSVariant:   tpl.OSVariant,
		RAMMB:       ramMB,
	}); err != nil {
		return nil, fmt.Errorf("create gateway VM: %w", err)
	}
	ledger.addVM(gwName)

	// Step 8: metadata. Failures past this point are warnings only; the
	// role is functional and must not be torn down.
	o.report(StepMetadata, "Saving role metadata...")
	meta := role.NewMeta(roleName)
	meta.GatewayTemplateID = req.GatewayTemplateID
	meta.AppTemplateID = req.AppTemplateID
	meta.DisposableTemplateID = req.DisposableTemplateID
	meta.GatewayMode = string(req.Gateway.Mode)
	meta.GatewayRAMMB = ramMB
	if err := meta.Save(o.cfg.Libvirt.ConfigRoot); err != nil {
		o.logger.Warn("failed to save role metadata", "role", roleName, "error", err)
	}

	result := &CreateRoleResult{Role: roleName, GatewayVM: gwName, NetworkName: roleNet}

	// Step 9: optional first app VM, best-effort.
	if req.CreateAppVM {
		o.report(StepAppVM, "Creating app VM...")
		appName, err := o.AddAppVM(ctx, roleName)
		if err != nil {
			o.logger.Warn("failed to create app VM", "role", roleName, "error", err)
		} else {
			result.AppVM = appName
		}
	}

	o.logger.Info("role created", "role", roleName, "gateway_vm", gwName)
	return result, nil
}

// copyCredentialFiles copies referenced VPN credential files into the role
// dir and rewrites the config to point at their in-VM location under the
// /proxy share. Returns the names of files copied.
func (o *Orchestrator) copyCredentialFiles(cfg *gateway.Config, roleDir string) ([]string, error) {
	var copied []string

	copyIn := func(src string) (string, error) {
		name := filepath.Base(src)
		if err := copyFile(src, filepath.Join(roleDir, name)); err != nil {
			return "", err
		}
		copied = append(copied, name)
		return name, nil
	}

	if cfg.Mode == gateway.ModeWireGuard && cfg.WireGuard != nil {
		if isRegularFile(cfg.WireGuard.ConfigPath) {
			name, err := copyIn(cfg.WireGuard.ConfigPath)
			if err != nil {
				return copied, fmt.Errorf("copy wireguard config: %w", err)
			}
			cfg.WireGuard.ConfigPath = "/proxy/" + name
		}
	}

	if cfg.Mode == gateway.ModeOpenVPN && cfg.OpenVPN != nil {
		if isRegularFile(cfg.OpenVPN.ConfigPath) {
			name, err := copyIn(cfg.OpenVPN.ConfigPath)
			if err != nil {
				return copied, fmt.Errorf("copy openvpn config: %w", err)
			}
			cfg.OpenVPN.ConfigPath = "/proxy/" + name
		}
		if cfg.OpenVPN.AuthFile != "" && isRegularFile(cfg.OpenVPN.AuthFile) {
			name, err := copyIn(cfg.OpenVPN.AuthFile)
			if err != nil {
				o.logger.Warn("failed to copy openvpn auth file", "path", cfg.OpenVPN.AuthFile, "error", err)
			} else {
				cfg.OpenVPN.AuthFile = "/proxy/" + name
			}
		}
	}

	return copied, nil
}

// AddAppVM provisions the next numbered app VM for an existing role. The
// app overlay is removed again if the VM cannot be created.
func (o *Orchestrator) AddAppVM(ctx context.Context, roleName string) (string, error) {
	meta, err := role.LoadMeta(o.cfg.Libvirt.ConfigRoot, roleName)
	if err != nil {
		return "", err
	}
	if meta.AppTemplateID == "" {
		return "", &PreconditionError{Reason: fmt.Sprintf("role %q has no app template configured", roleName)}
	}
	tpl, err := o.templates.Get(ctx, meta.AppTemplateID)
	if err != nil {
		return "", fmt.Errorf("app template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return "", fmt.Errorf("app template: %w", err)
	}

	num := meta.NextAppNumber()
	name := role.AppVMName(roleName, num)
	overlayPath := virt.AppOverlayPath(o.cfg.Libvirt.ImagesDir, roleName, num)

	if err := o.ad.CreateOverlayDisk(ctx, tpl.Path, overlayPath); err != nil {
		return "", fmt.Errorf("create app overlay: %w", err)
	}

	if err := o.ad.CreateAppVM(ctx, virt.AppVMSpec{
		Name:        name,
		OverlayPath: overlayPath,
		RoleNet:     role.NetworkName(roleName),
		OSVariant:   tpl.OSVariant,
		RAMMB:       max(tpl.DefaultRAMMB, o.cfg.Defaults.AppRAMMB),
	}); err != nil {
		if delErr := o.ad.DeleteOverlayDisk(ctx, overlayPath); delErr != nil {
			o.logger.Warn("failed to clean up app overlay", "path", overlayPath, "error", delErr)
		}
		return "", fmt.Errorf("create app VM: %w", err)
	}

	if err := meta.Save(o.cfg.Libvirt.ConfigRoot); err != nil {
		o.logger.Warn("failed to save role metadata", "role", roleName, "error", err)
	}

	o.tel.Track(roleName, telemetry.EventAppVMAdded, map[string]any{"role": roleName, "vm": name})
	o.logger.Info("app VM created", "role", roleName, "vm", name)
	return name, nil
}

// LaunchDisposable starts a transient, timestamped VM on the role's private
// network from the role's disposable template (falling back to the app
// template). The VM and its scratch overlay vanish on shutdown.
func (o *Orchestrator) LaunchDisposable(ctx context.Context, roleName string) (string, error) {
	meta, err := role.LoadMeta(o.cfg.Libvirt.ConfigRoot, roleName)
	if err != nil {
		return "", err
	}
	tplID := meta.DisposableTemplateID
	if tplID == "" {
		tplID = meta.AppTemplateID
	}
	if tplID == "" {
		return "", &PreconditionError{Reason: fmt.Sprintf("role %q has no disposable or app template configured", roleName)}
	}
	tpl, err := o.templates.Get(ctx, tplID)
	if err != nil {
		return "", fmt.Errorf("disposable template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return "", fmt.Errorf("disposable template: %w", err)
	}

	name := role.DisposableVMName(roleName, time.Now())
	overlayPath := virt.DisposableOverlayPath(o.cfg.Libvirt.ConfigRoot, roleName)

	if err := o.ad.CreateOverlayDisk(ctx, tpl.Path, overlayPath); err != nil {
		return "", fmt.Errorf("create disposable overlay: %w", err)
	}

	if err := o.ad.CreateDisposableVM(ctx, virt.DisposableVMSpec{
		Name:        name,
		OverlayPath: overlayPath,
		RoleNet:     role.NetworkName(roleName),
		OSVariant:   tpl.OSVariant,
		RAMMB:       max(tpl.DefaultRAMMB, o.cfg.Defaults.DispRAMMB),
	}); err != nil {
		if delErr := o.ad.DeleteOverlayDisk(ctx, overlayPath); delErr != nil {
			o.logger.Warn("failed to clean up disposable overlay", "path", overlayPath, "error", delErr)
		}
		return "", fmt.Errorf("create disposable VM: %w", err)
	}

	o.tel.Track(roleName, telemetry.EventDispLaunched, map[string]any{"role": roleName, "vm": name})
	o.logger.Info("disposable VM launched", "role", roleName, "vm", name)
	return name, nil
}

// ApplyGatewayConfig rewrites a role's gateway config files and updates its
// metadata. With restart set, the gateway VM is stopped, given a moment to
// settle, and started again so the new configuration takes effect.
func (o *Orchestrator) ApplyGatewayConfig(ctx context.Context, roleName string, cfg *gateway.Config, restart bool) error {
	if !role.Exists(o.cfg.Libvirt.ConfigRoot, roleName) {
		return &PreconditionError{Reason: fmt.Sprintf("role %q does not exist", roleName)}
	}

	roleDir := o.cfg.RoleDir(roleName)
	if _, err := o.copyCredentialFiles(cfg, roleDir); err != nil {
		return err
	}
	if _, err := gateway.WriteFiles(cfg, roleDir); err != nil {
		return fmt.Errorf("write gateway config: %w", err)
	}

	if meta, err := role.LoadMeta(o.cfg.Libvirt.ConfigRoot, roleName); err == nil {
		meta.GatewayMode = string(cfg.Mode)
		if err := meta.Save(o.cfg.Libvirt.ConfigRoot); err != nil {
			o.logger.Warn("failed to update role metadata", "role", roleName, "error", err)
		}
	}

	if !restart {
		o.logger.Info("gateway config saved, restart the VM to apply", "role", roleName)
		return nil
	}

	gwName := role.GatewayVMName(roleName)
	if err := o.ad.StopVM(ctx, gwName); err != nil {
		o.logger.Warn("stop gateway VM failed", "vm", gwName, "error", err)
	}
	time.Sleep(o.settleDelay)
	if err := o.ad.StartVM(ctx, gwName); err != nil {
		return fmt.Errorf("config saved but VM restart failed: %w", err)
	}
	o.logger.Info("gateway VM restarting with new config", "role", roleName, "vm", gwName)
	return nil
}

// DeleteRole tears down everything a role owns. Every step is best-effort
// so a half-broken role can still be removed: VMs found by listing plus the
// well-known gateway name, overlay disks, the disposable scratch dir, the
// role network, and finally the role directory.
func (o *Orchestrator) DeleteRole(ctx context.Context, roleName string) error {
	o.logger.Info("deleting role and all associated resources", "role", roleName)

	gwName := role.GatewayVMName(roleName)
	roleDir := o.cfg.RoleDir(roleName)

	vms, err := o.ad.ListRoleVMs(ctx, roleName)
	if err != nil {
		o.logger.Warn("failed to list role VMs, falling back to name patterns", "role", roleName, "error", err)
	}
	seen := map[string]bool{}
	for _, vm := range vms {
		seen[vm.Name] = true
		o.removeVM(ctx, vm.Name)
	}
	// The gateway may not show up in the listing when the domain is in a
	// broken state. Try it by name regardless.
	if !seen[gwName] {
		o.removeVM(ctx, gwName)
	}

	if err := o.ad.DeleteOverlayDisk(ctx, virt.GatewayOverlayPath(o.cfg.Libvirt.ImagesDir, roleName)); err != nil {
		o.logger.Warn("failed to delete gateway overlay", "role", roleName, "error", err)
	}
	for i := 1; i <= 20; i++ {
		path := virt.AppOverlayPath(o.cfg.Libvirt.ImagesDir, roleName, i)
		if err := o.ad.DeleteOverlayDisk(ctx, path); err != nil {
			o.logger.Warn("failed to delete app overlay", "path", path, "error", err)
		}
	}

	if err := os.RemoveAll(filepath.Join(roleDir, "disposable")); err != nil {
		o.logger.Warn("failed to remove disposable dir", "role", roleName, "error", err)
	}

	if err := o.ad.DestroyNetwork(ctx, role.NetworkName(roleName)); err != nil {
		o.logger.Warn("failed to destroy role network", "role", roleName, "error", err)
	}

	if err := os.RemoveAll(roleDir); err != nil {
		o.logger.Warn("failed to remove role dir", "path", roleDir, "error", err)
	}

	o.tel.Track(roleName, telemetry.EventRoleDeleted, map[string]any{"role": roleName})
	o.logger.Info("role deleted", "role", roleName)
	return nil
}

func (o *Orchestrator) removeVM(ctx context.Context, name string) {
	o.logger.Info("removing VM", "vm", name)
	if err := o.ad.DestroyVM(ctx, name); err != nil {
		o.logger.Warn("destroy VM failed", "vm", name, "error", err)
	}
	if err := o.ad.UndefineVM(ctx, name); err != nil {
		o.logger.Warn("undefine VM failed", "vm", name, "error", err)
	}
}

// RegisterTemplate validates a template and records it in the registry. An
// image outside the images dir is first copied in (privileged when needed)
// and the stored path rewritten to the copy.
func (o *Orchestrator) RegisterTemplate(ctx context.Context, store *template.Store, tpl *template.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}

	imagesDir := o.cfg.Libvirt.ImagesDir
	if !strings.HasPrefix(filepath.Clean(tpl.Path), filepath.Clean(imagesDir)+string(filepath.Separator)) {
		if err := o.ad.EnsureImagesDir(ctx, imagesDir); err != nil {
			return err
		}
		dest, err := o.ad.CopyTemplateToImagesDir(ctx, tpl.Path, imagesDir)
		if err != nil {
			return fmt.Errorf("copy template image: %w", err)
		}
		o.logger.Info("template image copied", "from", tpl.Path, "to", dest)
		tpl.Path = dest
	}

	return store.Add(ctx, tpl)
}

// RemoveTemplate unregisters a template. With deleteImage set, the backing
// file is removed too, unless a defined VM still uses it directly or via a
// one-level backing chain.
func (o *Orchestrator) RemoveTemplate(ctx context.Context, store *template.Store, id string, deleteImage bool) error {
	tpl, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := store.Remove(ctx, id); err != nil {
		return err
	}
	if !deleteImage {
		return nil
	}

	users, err := o.ad.GetVMsUsingImage(ctx, tpl.Path)
	if err != nil {
		return fmt.Errorf("check image users: %w", err)
	}
	if len(users) > 0 {
		return fmt.Errorf("image %s still used by VMs: %s", tpl.Path, strings.Join(users, ", "))
	}
	return o.ad.DeleteOverlayDisk(ctx, tpl.Path)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
