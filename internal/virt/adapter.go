package virt

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Default prefixes under which the host protects files from unprivileged
// writes; operations targeting these paths go through pkexec.
var defaultProtectedPrefixes = []string{"/var/lib", "/usr", "/etc"}

// Adapter is the single source of truth for libvirt resource state and
// lifecycle, speaking to the toolchain over subprocess text I/O.
type Adapter struct {
	run               Runner
	protectedPrefixes []string
	connectTimeout    time.Duration
	logger            *slog.Logger
}

// Option configures the Adapter during construction.
type Option func(*Adapter)

// WithRunner overrides the command runner (useful for tests).
func WithRunner(run Runner) Option {
	return func(a *Adapter) { a.run = run }
}

// WithProtectedPrefixes overrides the path prefixes that require privilege
// escalation.
func WithProtectedPrefixes(prefixes []string) Option {
	return func(a *Adapter) { a.protectedPrefixes = prefixes }
}

// WithConnectTimeout sets the TCP probe timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.connectTimeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates an Adapter with a local command runner.
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		run:               NewLocalRunner(),
		protectedPrefixes: defaultProtectedPrefixes,
		connectTimeout:    5 * time.Second,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "virt")
	return a
}

// needsPrivilege reports whether path lies under a host-protected prefix.
func (a *Adapter) needsPrivilege(path string) bool {
	for _, prefix := range a.protectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// runnerFor selects the invocation front-end for a target path: elevated
// when the path is host-protected, direct otherwise.
func (a *Adapter) runnerFor(path string) Runner {
	if a.needsPrivilege(path) {
		return WithPkexec(a.run)
	}
	return a.run
}

// virsh runs a virsh subcommand.
func (a *Adapter) virsh(ctx context.Context, args ...string) (Output, error) {
	return a.run(ctx, "virsh", args...)
}

// CheckPrerequisites verifies the required external tools are installed.
func (a *Adapter) CheckPrerequisites(ctx context.Context) error {
	for _, tool := range []string{"virsh", "virt-install", "qemu-img"} {
		out, err := a.run(ctx, "which", tool)
		if err != nil {
			return err
		}
		if !out.Success() {
			return &ToolNotFoundError{Tool: tool}
		}
	}
	return nil
}

// CheckLibvirtAccess verifies the current user can talk to libvirt.
func (a *Adapter) CheckLibvirtAccess(ctx context.Context) error {
	args := []string{"list", "--all"}
	out, err := a.virsh(ctx, args...)
	if err != nil {
		return err
	}
	if !out.Success() {
		return cmdError("virsh", args, out)
	}
	return nil
}
