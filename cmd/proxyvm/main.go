package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MehdiConnect4/proxy-vm-wizard/internal/config"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/gateway"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/provision"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/role"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/telemetry"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/template"
	"github.com/MehdiConnect4/proxy-vm-wizard/internal/virt"
)

var (
	cfgFile    string
	verbose    bool
	cfg        *config.Config
	logger     *slog.Logger
	adapter    *virt.Adapter
	store      *template.Store
	tel        telemetry.Service
	orch       *provision.Orchestrator
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "proxyvm",
	Short: "Provision per-role gateway and app VMs on libvirt",
	Long: `proxyvm provisions isolated VM roles on a libvirt host: each role gets a
private network, a gateway VM that routes egress through proxies or a VPN,
and optional app VMs that can only reach the world through that gateway.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		return initServices()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tel != nil {
			tel.Close()
		}
		if store != nil {
			_ = store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	roleCmd.AddCommand(roleCreateCmd)
	roleCmd.AddCommand(roleDeleteCmd)
	roleCmd.AddCommand(roleListCmd)
	rootCmd.AddCommand(roleCmd)

	appvmCmd.AddCommand(appvmAddCmd)
	rootCmd.AddCommand(appvmCmd)

	dispCmd.AddCommand(dispLaunchCmd)
	rootCmd.AddCommand(dispCmd)

	templateCmd.AddCommand(templateAddCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateRemoveCmd)
	rootCmd.AddCommand(templateCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(probeCmd)

	roleCreateCmd.Flags().String("gw-template", "", "gateway template ID or label (required)")
	roleCreateCmd.Flags().String("app-template", "", "app template ID or label")
	roleCreateCmd.Flags().String("disp-template", "", "disposable template ID or label")
	roleCreateCmd.Flags().Bool("with-app-vm", false, "also create the first app VM")
	addGatewayFlags(roleCreateCmd)

	roleDeleteCmd.Flags().Bool("yes", false, "skip confirmation")

	templateAddCmd.Flags().String("label", "", "unique template label (required)")
	templateAddCmd.Flags().String("path", "", "path to the qcow2 base image (required)")
	templateAddCmd.Flags().String("os-variant", "", "virt-install OS variant, e.g. debian12")
	templateAddCmd.Flags().String("kind", "gateway", "template kind: gateway, app, disposable_app or generic")
	templateAddCmd.Flags().Int("ram", 0, "default RAM in MB")
	templateAddCmd.Flags().String("notes", "", "free-form notes")

	templateRemoveCmd.Flags().Bool("delete-image", false, "also delete the backing image file")

	applyCmd.Flags().Bool("restart", false, "restart the gateway VM after saving")
	addGatewayFlags(applyCmd)
}

func addGatewayFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "proxychain", "gateway mode: proxychain, wireguard, or openvpn")
	cmd.Flags().StringArray("proxy", nil, "chain hop as type:host:port[:user:pass], repeatable, in order")
	cmd.Flags().String("strategy", string(gateway.StrictChain), "chain strategy: strict_chain, dynamic_chain, random_chain")
	cmd.Flags().String("wg-config", "", "WireGuard config file to copy into the role")
	cmd.Flags().String("wg-interface", "wg0", "WireGuard interface name")
	cmd.Flags().Bool("wg-route-all", true, "route all traffic through WireGuard")
	cmd.Flags().String("ovpn-config", "", "OpenVPN config file to copy into the role")
	cmd.Flags().String("ovpn-auth", "", "OpenVPN auth file to copy into the role")
	cmd.Flags().Bool("ovpn-route-all", true, "route all traffic through OpenVPN")
}

func initServices() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	adapter = virt.NewAdapter(
		virt.WithLogger(logger),
		virt.WithProtectedPrefixes(cfg.Libvirt.ProtectedPrefixes),
		virt.WithConnectTimeout(cfg.Timeouts.Connect),
	)

	store, err = template.NewStore(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("open template registry: %w", err)
	}

	tel = &telemetry.NoopService{}
	if cfg.Telemetry.Enabled {
		tel = telemetry.New(cfg.Telemetry.APIKey, cfg.Telemetry.Endpoint)
	}

	orch = provision.New(cfg, store, adapter,
		provision.WithLogger(logger),
		provision.WithTelemetry(tel),
		provision.WithProgress(func(step provision.Step, msg string) {
			fmt.Printf("[%d/9] %s\n", step, msg)
		}),
	)
	return nil
}

// resolveTemplate accepts either a template ID or a label.
func resolveTemplate(ctx context.Context, ref string) (*template.Template, error) {
	if ref == "" {
		return nil, nil
	}
	if t, err := store.Get(ctx, ref); err == nil {
		return t, nil
	}
	return store.GetByLabel(ctx, ref)
}

func gatewayConfigFromFlags(cmd *cobra.Command, roleName string) (*gateway.Config, error) {
	modeStr, _ := cmd.Flags().GetString("mode")
	var mode gateway.Mode
	switch strings.ToLower(modeStr) {
	case "proxychain", "proxy-chain", "proxy_chain":
		mode = gateway.ModeProxyChain
	case "wireguard", "wg":
		mode = gateway.ModeWireGuard
	case "openvpn", "ovpn":
		mode = gateway.ModeOpenVPN
	default:
		return nil, fmt.Errorf("unknown mode %q", modeStr)
	}

	c := gateway.NewConfig(roleName, mode)

	switch mode {
	case gateway.ModeProxyChain:
		strategy, _ := cmd.Flags().GetString("strategy")
		c.Strategy = gateway.ChainStrategy(strategy)
		hops, _ := cmd.Flags().GetStringArray("proxy")
		for _, spec := range hops {
			hop, err := parseHop(spec)
			if err != nil {
				return nil, err
			}
			c.AddHop(hop)
		}
	case gateway.ModeWireGuard:
		path, _ := cmd.Flags().GetString("wg-config")
		iface, _ := cmd.Flags().GetString("wg-interface")
		routeAll, _ := cmd.Flags().GetBool("wg-route-all")
		c.WireGuard = &gateway.WireGuardSettings{
			ConfigPath:      path,
			InterfaceName:   iface,
			RouteAllTraffic: routeAll,
		}
	case gateway.ModeOpenVPN:
		path, _ := cmd.Flags().GetString("ovpn-config")
		auth, _ := cmd.Flags().GetString("ovpn-auth")
		routeAll, _ := cmd.Flags().GetBool("ovpn-route-all")
		c.OpenVPN = &gateway.OpenVPNSettings{
			ConfigPath:      path,
			AuthFile:        auth,
			RouteAllTraffic: routeAll,
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// parseHop parses "type:host:port[:user:pass]".
func parseHop(spec string) (gateway.Hop, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 && len(parts) != 5 {
		return gateway.Hop{}, fmt.Errorf("invalid proxy spec %q, want type:host:port[:user:pass]", spec)
	}
	typ, err := gateway.ParseProxyType(parts[0])
	if err != nil {
		return gateway.Hop{}, err
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return gateway.Hop{}, fmt.Errorf("invalid proxy port in %q", spec)
	}
	hop := gateway.Hop{Type: typ, Host: parts[1], Port: port}
	if len(parts) == 5 {
		hop.Username = parts[3]
		hop.Password = parts[4]
	}
	return hop, nil
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage VM roles",
}

var roleCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Provision a new role",
	Long: `Provision a complete role: a private network, gateway config files, an
overlay disk, and the gateway VM. Partial failures are rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		roleName := args[0]

		gwRef, _ := cmd.Flags().GetString("gw-template")
		if gwRef == "" {
			return fmt.Errorf("--gw-template is required")
		}
		gwTpl, err := resolveTemplate(ctx, gwRef)
		if err != nil {
			return err
		}

		req := provision.CreateRoleRequest{
			Role:              roleName,
			GatewayTemplateID: gwTpl.ID,
		}
		if ref, _ := cmd.Flags().GetString("app-template"); ref != "" {
			appTpl, err := resolveTemplate(ctx, ref)
			if err != nil {
				return err
			}
			req.AppTemplateID = appTpl.ID
		}
		if ref, _ := cmd.Flags().GetString("disp-template"); ref != "" {
			dispTpl, err := resolveTemplate(ctx, ref)
			if err != nil {
				return err
			}
			req.DisposableTemplateID = dispTpl.ID
		}
		req.CreateAppVM, _ = cmd.Flags().GetBool("with-app-vm")

		req.Gateway, err = gatewayConfigFromFlags(cmd, role.NormalizeName(roleName))
		if err != nil {
			return err
		}

		res, err := orch.CreateRole(ctx, req)
		if err != nil {
			return err
		}

		fmt.Printf("Created role %q with gateway VM %q on network %q\n", res.Role, res.GatewayVM, res.NetworkName)
		if res.AppVM != "" {
			fmt.Printf("Created app VM %q\n", res.AppVM)
		}
		return nil
	},
}

var roleDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a role and all its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName := args[0]
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			fmt.Printf("Delete role %q with all its VMs, disks, and network? [y/N] ", roleName)
			var answer string
			_, _ = fmt.Scanln(&answer)
			if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := orch.DeleteRole(cmd.Context(), roleName); err != nil {
			return err
		}
		fmt.Printf("Deleted role %q\n", roleName)
		return nil
	},
}

var roleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles and their VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		roles, err := role.Discover(cfg.Libvirt.ConfigRoot)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			fmt.Println("No roles configured.")
			return nil
		}

		for _, r := range roles {
			fmt.Printf("%s\n", r)
			vms, err := adapter.ListRoleVMs(ctx, r)
			if err != nil {
				fmt.Printf("  (failed to list VMs: %v)\n", err)
				continue
			}
			for _, vm := range vms {
				fmt.Printf("  %-30s %-12s %s\n", vm.Name, vm.Kind, vm.State)
			}
		}
		return nil
	},
}

var appvmCmd = &cobra.Command{
	Use:   "appvm",
	Short: "Manage app VMs",
}

var appvmAddCmd = &cobra.Command{
	Use:   "add <role>",
	Short: "Add the next numbered app VM to a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := orch.AddAppVM(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created app VM %q\n", name)
		return nil
	},
}

var dispCmd = &cobra.Command{
	Use:   "disp",
	Short: "Manage disposable VMs",
}

var dispLaunchCmd = &cobra.Command{
	Use:   "launch <role>",
	Short: "Launch a transient disposable VM on a role's network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := orch.LaunchDisposable(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Launched disposable VM %q (discarded on shutdown)\n", name)
		return nil
	},
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage base image templates",
}

var templateAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a qcow2 base image as a template",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		path, _ := cmd.Flags().GetString("path")
		if label == "" || path == "" {
			return fmt.Errorf("--label and --path are required")
		}
		osVariant, _ := cmd.Flags().GetString("os-variant")
		if osVariant == "" {
			osVariant = cfg.Defaults.DebianOSVariant
		}
		kindStr, _ := cmd.Flags().GetString("kind")
		kind, err := template.ParseRoleKind(kindStr)
		if err != nil {
			return err
		}
		ram, _ := cmd.Flags().GetInt("ram")
		notes, _ := cmd.Flags().GetString("notes")

		tpl := &template.Template{
			Label:        label,
			Path:         path,
			OSVariant:    osVariant,
			RoleKind:     kind,
			DefaultRAMMB: ram,
			Notes:        notes,
		}
		if err := orch.RegisterTemplate(cmd.Context(), store, tpl); err != nil {
			return err
		}
		fmt.Printf("Registered template %q (%s) as %s\n", tpl.Label, tpl.Path, tpl.ID)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			fmt.Println("No templates registered.")
			return nil
		}
		fmt.Printf("%-36s  %-20s  %-8s  %-10s  %s\n", "ID", "LABEL", "KIND", "OS", "PATH")
		for _, t := range templates {
			fmt.Printf("%-36s  %-20s  %-8s  %-10s  %s\n", t.ID, t.Label, t.RoleKind, t.OSVariant, t.Path)
		}
		return nil
	},
}

var templateRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteImage, _ := cmd.Flags().GetBool("delete-image")
		if err := orch.RemoveTemplate(cmd.Context(), store, args[0], deleteImage); err != nil {
			return err
		}
		fmt.Println("Template removed.")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
		defaults := config.DefaultConfig()
		if err := config.Save(path, &defaults); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <role>",
	Short: "Rewrite a role's gateway configuration",
	Long: `Regenerate proxy.conf and apply-proxy.sh for an existing role from the
given gateway flags. With --restart the gateway VM is stopped and started so
the new configuration takes effect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName := args[0]
		gwCfg, err := gatewayConfigFromFlags(cmd, roleName)
		if err != nil {
			return err
		}
		restart, _ := cmd.Flags().GetBool("restart")
		if err := orch.ApplyGatewayConfig(cmd.Context(), roleName, gwCfg, restart); err != nil {
			return err
		}
		if restart {
			fmt.Println("Configuration saved, gateway VM restarting.")
		} else {
			fmt.Println("Configuration saved. Restart the gateway VM to apply.")
		}
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check host prerequisites",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		failed := false

		check := func(name string, err error) {
			if err != nil {
				failed = true
				fmt.Printf("✗ %s: %v\n", name, err)
				return
			}
			fmt.Printf("✓ %s\n", name)
		}

		check("toolchain (virsh, virt-install, qemu-img)", adapter.CheckPrerequisites(ctx))
		check("libvirt access", adapter.CheckLibvirtAccess(ctx))
		check(fmt.Sprintf("LAN network %q", cfg.Libvirt.LanNet), adapter.EnsureLanNetExists(ctx, cfg.Libvirt.LanNet))
		check("configuration", cfg.Validate())

		if failed {
			return fmt.Errorf("some checks failed")
		}
		fmt.Println("All checks passed.")
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <host> <port>",
	Short: "Test TCP reachability of a proxy endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}
		if err := adapter.TestTCPConnection(cmd.Context(), args[0], port); err != nil {
			return fmt.Errorf("%s:%d unreachable: %w", args[0], port, err)
		}
		fmt.Printf("%s:%d reachable\n", args[0], port)
		return nil
	},
}
