package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MehdiConnect4/proxy-vm-wizard/internal/config"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/gateway"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/role"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/template"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/virt"
)

// fakeAdapter records calls and fails on demand.
type fakeAdapter struct {
	calls        []string
	fail         map[string]error
	networkKnown bool // pre-existing role network
	roleVMs      []virt.VMInfo
}

func (f *fakeAdapter) record(call string) error {
	f.calls = append(f.calls, call)
	for prefix, err := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) has(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) EnsureLanNetExists(ctx context.Context, lanNet string) error {
	return f.record("lan-net " + lanNet)
}

func (f *fakeAdapter) EnsureRoleNetwork(ctx context.Context, roleName string) (bool, error) {
	if err := f.record("ensure-network " + roleName); err != nil {
		return false, err
	}
	return !f.networkKnown, nil
}

func (f *fakeAdapter) DestroyNetwork(ctx context.Context, name string) error {
	return f.record("destroy-network " + name)
}

func (f *fakeAdapter) EnsureImagesDir(ctx context.Context, imagesDir string) error {
	return f.record("ensure-images-dir " + imagesDir)
}

func (f *fakeAdapter) CopyTemplateToImagesDir(ctx context.Context, source, imagesDir string) (string, error) {
	if err := f.record("copy-template " + source); err != nil {
		return "", err
	}
	return filepath.Join(imagesDir, filepath.Base(source)), nil
}

func (f *fakeAdapter) CreateOverlayDisk(ctx context.Context, templatePath, overlayPath string) error {
	return f.record("create-overlay " + overlayPath)
}

func (f *fakeAdapter) DeleteOverlayDisk(ctx context.Context, path string) error {
	return f.record("delete-overlay " + path)
}

func (f *fakeAdapter) GetVMsUsingImage(ctx context.Context, imagePath string) ([]string, error) {
	if err := f.record("vms-using " + imagePath); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeAdapter) CreateGatewayVM(ctx context.Context, spec virt.GatewayVMSpec) error {
	return f.record("create-gateway-vm " + spec.Name)
}

func (f *fakeAdapter) CreateAppVM(ctx context.Context, spec virt.AppVMSpec) error {
	return f.record("create-app-vm " + spec.Name)
}

func (f *fakeAdapter) CreateDisposableVM(ctx context.Context, spec virt.DisposableVMSpec) error {
	return f.record("create-disp-vm " + spec.Name)
}

func (f *fakeAdapter) StartVM(ctx context.Context, name string) error {
	return f.record("start-vm " + name)
}

func (f *fakeAdapter) StopVM(ctx context.Context, name string) error {
	return f.record("stop-vm " + name)
}

func (f *fakeAdapter) DestroyVM(ctx context.Context, name string) error {
	return f.record("destroy-vm " + name)
}

func (f *fakeAdapter) UndefineVM(ctx context.Context, name string) error {
	return f.record("undefine-vm " + name)
}

func (f *fakeAdapter) ListRoleVMs(ctx context.Context, roleName string) ([]virt.VMInfo, error) {
	if err := f.record("list-role-vms " + roleName); err != nil {
		return nil, err
	}
	return f.roleVMs, nil
}

type fakeTemplates struct {
	byID map[string]*template.Template
}

func (f *fakeTemplates) Get(ctx context.Context, id string) (*template.Template, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", template.ErrNotFound, id)
	}
	return t, nil
}

type fixture struct {
	cfg       *config.Config
	ad        *fakeAdapter
	templates *fakeTemplates
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	img := filepath.Join(dir, "base.qcow2")
	require.NoError(t, os.WriteFile(img, []byte("qcow2"), 0o644))
	appImg := filepath.Join(dir, "app.qcow2")
	require.NoError(t, os.WriteFile(appImg, []byte("qcow2"), 0o644))

	cfg := config.DefaultConfig()
	cfg.Libvirt.ConfigRoot = filepath.Join(dir, "roles")
	cfg.Libvirt.ImagesDir = filepath.Join(dir, "images")

	ad := &fakeAdapter{fail: map[string]error{}}
	templates := &fakeTemplates{byID: map[string]*template.Template{
		"gw-tpl": {
			ID: "gw-tpl", Label: "gw", Path: img,
			OSVariant: "debian12", RoleKind: template.KindGateway, DefaultRAMMB: 512,
		},
		"app-tpl": {
			ID: "app-tpl", Label: "app", Path: appImg,
			OSVariant: "fedora40", RoleKind: template.KindApp, DefaultRAMMB: 1024,
		},
	}}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	orch := New(&cfg, templates, ad, WithLogger(logger), WithSettleDelay(0))

	return &fixture{cfg: &cfg, ad: ad, templates: templates, orch: orch}
}

func chainRequest(roleName string) CreateRoleRequest {
	c := gateway.NewConfig(roleName, gateway.ModeProxyChain)
	c.AddHop(gateway.Hop{Type: gateway.ProxySOCKS5, Host: "p.example.com", Port: 1080})
	return CreateRoleRequest{
		Role:              roleName,
		GatewayTemplateID: "gw-tpl",
		AppTemplateID:     "app-tpl",
		Gateway:           c,
	}
}

func TestCreateRoleSuccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var steps []Step
	fx.orch.progress = func(step Step, msg string) { steps = append(steps, step) }

	res, err := fx.orch.CreateRole(ctx, chainRequest("work"))
	require.NoError(t, err)
	assert.Equal(t, "work", res.Role)
	assert.Equal(t, "work-gw", res.GatewayVM)
	assert.Equal(t, "work-inet", res.NetworkName)

	assert.True(t, fx.ad.has("lan-net"))
	assert.True(t, fx.ad.has("ensure-network work"))
	assert.True(t, fx.ad.has("create-overlay"))
	assert.True(t, fx.ad.has("create-gateway-vm work-gw"))
	assert.False(t, fx.ad.has("destroy-network"))
	assert.False(t, fx.ad.has("destroy-vm"))

	// Config artifacts and metadata on disk.
	roleDir := fx.cfg.RoleDir("work")
	for _, f := range []string{role.MetaFileName, role.ConfigFileName, role.ApplyScriptName} {
		_, err := os.Stat(filepath.Join(roleDir, f))
		assert.NoError(t, err, f)
	}
	meta, err := role.LoadMeta(fx.cfg.Libvirt.ConfigRoot, "work")
	require.NoError(t, err)
	assert.Equal(t, "gw-tpl", meta.GatewayTemplateID)
	// 1024 config default beats 512 template default.
	assert.Equal(t, 1024, meta.GatewayRAMMB)

	assert.Equal(t, []Step{
		StepValidateConfig, StepTemplate, StepLanNet, StepRoleNetwork,
		StepConfigFiles, StepOverlay, StepGatewayVM, StepMetadata,
	}, steps)
}

func TestCreateRoleWithAppVM(t *testing.T) {
	fx := newFixture(t)

	req := chainRequest("work")
	req.CreateAppVM = true

	res, err := fx.orch.CreateRole(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "work-app-1", res.AppVM)
	assert.True(t, fx.ad.has("create-app-vm work-app-1"))
}

func TestCreateRoleAlreadyExists(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, role.NewMeta("work").Save(fx.cfg.Libvirt.ConfigRoot))

	_, err := fx.orch.CreateRole(context.Background(), chainRequest("work"))
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Empty(t, fx.ad.calls)
}

func TestCreateRoleInvalidName(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.CreateRole(context.Background(), chainRequest("Work!"))
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Empty(t, fx.ad.calls)
}

func TestCreateRoleOverlayFailure(t *testing.T) {
	fx := newFixture(t)
	boom := errors.New("qemu-img exploded")
	fx.ad.fail["create-overlay"] = boom

	_, err := fx.orch.CreateRole(context.Background(), chainRequest("work"))
	require.ErrorIs(t, err, boom)

	// No VM was attempted; the network this run created was destroyed and
	// the role dir rolled back.
	assert.False(t, fx.ad.has("create-gateway-vm"))
	assert.True(t, fx.ad.has("destroy-network work-inet"))
	_, statErr := os.Stat(fx.cfg.RoleDir("work"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateRolePreexistingNetworkSurvivesRollback(t *testing.T) {
	fx := newFixture(t)
	fx.ad.networkKnown = true
	fx.ad.fail["create-overlay"] = errors.New("boom")

	_, err := fx.orch.CreateRole(context.Background(), chainRequest("work"))
	require.Error(t, err)
	assert.False(t, fx.ad.has("destroy-network"))
}

func TestCreateRoleVMFailureRollsBackEverything(t *testing.T) {
	fx := newFixture(t)
	fx.ad.fail["create-gateway-vm"] = errors.New("virt-install failed")

	_, err := fx.orch.CreateRole(context.Background(), chainRequest("work"))
	require.Error(t, err)

	assert.True(t, fx.ad.has("delete-overlay"))
	assert.True(t, fx.ad.has("destroy-network work-inet"))
	// The failed VM itself was never ledgered.
	assert.False(t, fx.ad.has("destroy-vm"))
	_, statErr := os.Stat(fx.cfg.RoleDir("work"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRollbackKeepsRoleDirWithForeignFiles(t *testing.T) {
	fx := newFixture(t)
	fx.ad.fail["create-gateway-vm"] = errors.New("boom")

	// The dir does not exist before the run; plant a foreign file the
	// moment config files are written by pre-creating it with extra
	// content via the existing-dir path instead.
	roleDir := fx.cfg.RoleDir("work")
	require.NoError(t, os.MkdirAll(roleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(roleDir, "notes.txt"), []byte("keep me"), 0o644))

	_, err := fx.orch.CreateRole(context.Background(), chainRequest("work"))
	require.Error(t, err)

	// The dir pre-existed this run, so it is never a rollback target.
	_, statErr := os.Stat(filepath.Join(roleDir, "notes.txt"))
	assert.NoError(t, statErr)
}

func TestLedgerRoleDirGuard(t *testing.T) {
	dir := t.TempDir()
	roleDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(roleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(roleDir, "proxy.conf"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(roleDir, "user-data.bin"), []byte("x"), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	l := &Ledger{}
	l.addRoleDir(roleDir, []string{"proxy.conf", "apply-proxy.sh", "role-meta.yaml"})
	l.Rollback(context.Background(), &fakeAdapter{}, logger)

	// Foreign file present: the whole dir stays.
	_, err := os.Stat(filepath.Join(roleDir, "user-data.bin"))
	assert.NoError(t, err)

	// Without the foreign file the dir goes away.
	require.NoError(t, os.Remove(filepath.Join(roleDir, "user-data.bin")))
	l2 := &Ledger{}
	l2.addRoleDir(roleDir, []string{"proxy.conf", "apply-proxy.sh", "role-meta.yaml"})
	l2.Rollback(context.Background(), &fakeAdapter{}, logger)
	_, err = os.Stat(roleDir)
	assert.True(t, os.IsNotExist(err))
}

// strictCtxAdapter rejects any call made with an already-cancelled
// context, the way a real command runner would.
type strictCtxAdapter struct {
	*fakeAdapter
}

func (c *strictCtxAdapter) checked(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.record(call)
}

func (c *strictCtxAdapter) DestroyVM(ctx context.Context, name string) error {
	return c.checked(ctx, "destroy-vm "+name)
}

func (c *strictCtxAdapter) UndefineVM(ctx context.Context, name string) error {
	return c.checked(ctx, "undefine-vm "+name)
}

func (c *strictCtxAdapter) DeleteOverlayDisk(ctx context.Context, path string) error {
	return c.checked(ctx, "delete-overlay "+path)
}

func (c *strictCtxAdapter) DestroyNetwork(ctx context.Context, name string) error {
	return c.checked(ctx, "destroy-network "+name)
}

func TestRollbackSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ad := &strictCtxAdapter{fakeAdapter: &fakeAdapter{}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	l := &Ledger{}
	l.addNetwork("work-inet")
	l.addOverlay("/var/lib/libvirt/images/work-gw.qcow2")
	l.addVM("work-gw")
	l.Rollback(ctx, ad, logger)

	// Cancellation aborted the run, but every compensating call still
	// reached the adapter, in reverse creation order.
	assert.Equal(t, []string{
		"destroy-vm work-gw",
		"undefine-vm work-gw",
		"delete-overlay /var/lib/libvirt/images/work-gw.qcow2",
		"destroy-network work-inet",
	}, ad.calls)
}

func TestAddAppVM(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	meta := role.NewMeta("work")
	meta.AppTemplateID = "app-tpl"
	require.NoError(t, meta.Save(fx.cfg.Libvirt.ConfigRoot))

	name, err := fx.orch.AddAppVM(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "work-app-1", name)

	name, err = fx.orch.AddAppVM(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "work-app-2", name)
}

func TestAddAppVMCleansOverlayOnFailure(t *testing.T) {
	fx := newFixture(t)
	fx.ad.fail["create-app-vm"] = errors.New("boom")

	meta := role.NewMeta("work")
	meta.AppTemplateID = "app-tpl"
	require.NoError(t, meta.Save(fx.cfg.Libvirt.ConfigRoot))

	_, err := fx.orch.AddAppVM(context.Background(), "work")
	require.Error(t, err)
	assert.True(t, fx.ad.has("delete-overlay"))

	// Counter advance was not persisted.
	reloaded, err := role.LoadMeta(fx.cfg.Libvirt.ConfigRoot, "work")
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.AppVMCount)
}

func TestLaunchDisposableFallsBackToAppTemplate(t *testing.T) {
	fx := newFixture(t)

	meta := role.NewMeta("work")
	meta.AppTemplateID = "app-tpl"
	require.NoError(t, meta.Save(fx.cfg.Libvirt.ConfigRoot))

	name, err := fx.orch.LaunchDisposable(context.Background(), "work")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "disp-work-"), name)
	assert.True(t, fx.ad.has("create-disp-vm disp-work-"))
}

func TestLaunchDisposableNoTemplate(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, role.NewMeta("work").Save(fx.cfg.Libvirt.ConfigRoot))

	_, err := fx.orch.LaunchDisposable(context.Background(), "work")
	var pre *PreconditionError
	assert.ErrorAs(t, err, &pre)
}

func TestApplyGatewayConfigRestart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orch.CreateRole(ctx, chainRequest("work"))
	require.NoError(t, err)
	fx.ad.calls = nil

	cfg := gateway.NewConfig("work", gateway.ModeProxyChain)
	cfg.AddHop(gateway.Hop{Type: gateway.ProxyHTTP, Host: "h2.example.com", Port: 8080})

	require.NoError(t, fx.orch.ApplyGatewayConfig(ctx, "work", cfg, true))

	require.Len(t, fx.ad.calls, 2)
	assert.Equal(t, "stop-vm work-gw", fx.ad.calls[0])
	assert.Equal(t, "start-vm work-gw", fx.ad.calls[1])

	parsed, err := gateway.Parse("work", readFile(t, filepath.Join(fx.cfg.RoleDir("work"), role.ConfigFileName)))
	require.NoError(t, err)
	require.Len(t, parsed.Hops, 1)
	assert.Equal(t, "h2.example.com", parsed.Hops[0].Host)
}

func TestDeleteRole(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orch.CreateRole(ctx, chainRequest("work"))
	require.NoError(t, err)
	fx.ad.calls = nil
	fx.ad.roleVMs = []virt.VMInfo{
		{Name: "work-gw", Kind: virt.KindGateway, Role: "work"},
		{Name: "work-app-1", Kind: virt.KindApp, Role: "work"},
	}

	require.NoError(t, fx.orch.DeleteRole(ctx, "work"))

	assert.True(t, fx.ad.has("destroy-vm work-gw"))
	assert.True(t, fx.ad.has("undefine-vm work-gw"))
	assert.True(t, fx.ad.has("destroy-vm work-app-1"))
	assert.True(t, fx.ad.has("destroy-network work-inet"))
	assert.True(t, fx.ad.has("delete-overlay"))

	_, statErr := os.Stat(fx.cfg.RoleDir("work"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteRoleGatewayFallbackByName(t *testing.T) {
	fx := newFixture(t)
	fx.ad.fail["list-role-vms"] = errors.New("virsh offline")

	require.NoError(t, fx.orch.DeleteRole(context.Background(), "work"))
	assert.True(t, fx.ad.has("destroy-vm work-gw"))
	assert.True(t, fx.ad.has("undefine-vm work-gw"))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
