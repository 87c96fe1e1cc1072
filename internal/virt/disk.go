package virt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// GatewayOverlayPath returns the overlay disk path for a role's gateway VM.
func GatewayOverlayPath(imagesDir, role string) string {
	return filepath.Join(imagesDir, fmt.Sprintf("%s-gw.qcow2", role))
}

// AppOverlayPath returns the overlay disk path for an app VM.
func AppOverlayPath(imagesDir, role string, number int) string {
	return filepath.Join(imagesDir, fmt.Sprintf("%s-app-%d-overlay.qcow2", role, number))
}

// DisposableOverlayPath returns a fresh timestamped overlay path under the
// role's disposable scratch directory, creating the directory if needed.
func DisposableOverlayPath(cfgRoot, role string) string {
	dispDir := filepath.Join(cfgRoot, role, "disposable")
	_ = os.MkdirAll(dispDir, 0o755)
	ts := time.Now().Format("20060102-150405")
	return filepath.Join(dispDir, fmt.Sprintf("disp-%s.qcow2", ts))
}

// EnsureImagesDir creates the images directory if missing, elevating when
// the path is host-protected.
func (a *Adapter) EnsureImagesDir(ctx context.Context, imagesDir string) error {
	if _, err := os.Stat(imagesDir); err == nil {
		return nil
	}
	args := []string{"-p", imagesDir}
	out, err := a.runnerFor(imagesDir)(ctx, "mkdir", args...)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("create images directory: %w", cmdError("mkdir", args, out))
	}
	return nil
}

// CopyTemplateToImagesDir copies a base image into the images directory and
// returns the destination path. If a file with the same name already exists
// there, the existing path is returned unchanged so base images can be
// shared between templates.
func (a *Adapter) CopyTemplateToImagesDir(ctx context.Context, source, imagesDir string) (string, error) {
	dest := filepath.Join(imagesDir, filepath.Base(source))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	run := a.runnerFor(dest)
	cpArgs := []string{source, dest}
	out, err := run(ctx, "cp", cpArgs...)
	if err != nil {
		return "", err
	}
	if !out.Success() {
		return "", fmt.Errorf("copy template: %w", cmdError("cp", cpArgs, out))
	}

	// Ownership varies by distro; try libvirt-qemu first, fall back to root.
	if out, err := run(ctx, "chown", "libvirt-qemu:kvm", dest); err != nil || !out.Success() {
		_, _ = run(ctx, "chown", "root:root", dest)
	}
	_, _ = run(ctx, "chmod", "644", dest)

	return dest, nil
}

// CreateOverlayDisk creates a qcow2 overlay backed by the template image.
// The template must exist and the overlay must not; there is no silent
// overwrite.
func (a *Adapter) CreateOverlayDisk(ctx context.Context, templatePath, overlayPath string) error {
	if _, err := os.Stat(templatePath); err != nil {
		return fmt.Errorf("template disk does not exist: %s", templatePath)
	}
	if _, err := os.Stat(overlayPath); err == nil {
		return &AlreadyExistsError{Resource: "overlay disk", Name: overlayPath}
	}

	run := a.runnerFor(overlayPath)

	if parent := filepath.Dir(overlayPath); parent != "" {
		if _, err := os.Stat(parent); err != nil {
			_, _ = run(ctx, "mkdir", "-p", parent)
		}
	}

	args := []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", templatePath, overlayPath}
	out, err := run(ctx, "qemu-img", args...)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("create overlay disk: %w", cmdError("qemu-img", args, out))
	}

	if a.needsPrivilege(overlayPath) {
		_, _ = run(ctx, "chmod", "644", overlayPath)
	}

	a.logger.Info("overlay disk created", "overlay", overlayPath, "backing", templatePath)
	return nil
}

// DeleteOverlayDisk removes an overlay disk. A missing path is a no-op.
func (a *Adapter) DeleteOverlayDisk(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	if a.needsPrivilege(path) {
		args := []string{"-f", path}
		out, err := WithPkexec(a.run)(ctx, "rm", args...)
		if err != nil {
			return err
		}
		if !out.Success() && !strings.Contains(out.Stderr, "No such file") {
			return fmt.Errorf("delete overlay: %w", cmdError("rm", args, out))
		}
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete overlay %s: %w", path, err)
	}
	return nil
}

// GetBackingFile resolves the one-level qcow2 backing file of a disk image
// by parsing qemu-img info output. Returns "" when the image has no backing
// file or cannot be inspected.
func (a *Adapter) GetBackingFile(ctx context.Context, diskPath string) (string, error) {
	out, err := a.run(ctx, "qemu-img", "info", diskPath)
	if err != nil {
		return "", err
	}
	if !out.Success() {
		return "", nil
	}

	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "backing file:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "backing file:"))
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0], nil
		}
	}
	return "", nil
}

// GetVMDiskPath extracts the primary disk source path from a domain's XML
// definition. Returns "" when the VM is absent or has no file-backed disk.
func (a *Adapter) GetVMDiskPath(ctx context.Context, vmName string) (string, error) {
	out, err := a.virsh(ctx, "dumpxml", vmName)
	if err != nil {
		return "", err
	}
	if !out.Success() {
		return "", nil
	}

	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "<source file=") {
			continue
		}
		for _, quote := range []string{"'", `"`} {
			marker := "file=" + quote
			start := strings.Index(line, marker)
			if start < 0 {
				continue
			}
			rest := line[start+len(marker):]
			if end := strings.Index(rest, quote); end >= 0 {
				return rest[:end], nil
			}
		}
	}
	return "", nil
}

// DiskToVMMap maps every known VM's disk path to the VM names using it.
func (a *Adapter) DiskToVMMap(ctx context.Context) (map[string][]string, error) {
	m := make(map[string][]string)

	out, err := a.virsh(ctx, "list", "--all", "--name")
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return m, nil
	}

	for _, line := range strings.Split(out.Stdout, "\n") {
		vmName := strings.TrimSpace(line)
		if vmName == "" {
			continue
		}
		diskPath, err := a.GetVMDiskPath(ctx, vmName)
		if err != nil || diskPath == "" {
			continue
		}
		m[diskPath] = append(m[diskPath], vmName)
	}
	return m, nil
}

// GetVMsUsingImage returns every VM whose disk is the given image directly
// or an overlay backed by it - the answer to "what breaks if I delete this
// template".
func (a *Adapter) GetVMsUsingImage(ctx context.Context, imagePath string) ([]string, error) {
	diskMap, err := a.DiskToVMMap(ctx)
	if err != nil {
		return nil, err
	}

	var vms []string
	vms = append(vms, diskMap[imagePath]...)

	for diskPath, vmNames := range diskMap {
		backing, err := a.GetBackingFile(ctx, diskPath)
		if err != nil || backing == "" {
			continue
		}
		if backing == imagePath {
			vms = append(vms, vmNames...)
		}
	}

	sort.Strings(vms)
	return dedup(vms), nil
}

func dedup(s []string) []string {
	out := s[:0]
	var prev string
	for i, v := range s {
		if i == 0 || v != prev {
			out = append(out, v)
		}
		prev = v
	}
	return out
}
