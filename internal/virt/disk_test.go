package virt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOverlayPaths(t *testing.T) {
	if got := GatewayOverlayPath("/images", "work"); got != "/images/work-gw.qcow2" {
		t.Errorf("GatewayOverlayPath = %q", got)
	}
	if got := AppOverlayPath("/images", "work", 3); got != "/images/work-app-3-overlay.qcow2" {
		t.Errorf("AppOverlayPath = %q", got)
	}

	root := t.TempDir()
	got := DisposableOverlayPath(root, "work")
	if !strings.HasPrefix(got, filepath.Join(root, "work", "disposable")) {
		t.Errorf("DisposableOverlayPath = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "work", "disposable")); err != nil {
		t.Errorf("disposable dir not created: %v", err)
	}
}

func TestCreateOverlayDisk(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "base.qcow2")
	if err := os.WriteFile(tpl, []byte("qcow2"), 0o644); err != nil {
		t.Fatal(err)
	}
	overlay := filepath.Join(dir, "work-gw.qcow2")

	f := newFakeRunner()
	a := testAdapter(t, f, WithProtectedPrefixes(nil))

	if err := a.CreateOverlayDisk(context.Background(), tpl, overlay); err != nil {
		t.Fatal(err)
	}
	want := "qemu-img create -f qcow2 -F qcow2 -b " + tpl + " " + overlay
	if !f.called(want) {
		t.Errorf("missing call %q, got %v", want, f.calls)
	}
}

func TestCreateOverlayDiskMissingTemplate(t *testing.T) {
	f := newFakeRunner()
	a := testAdapter(t, f)

	err := a.CreateOverlayDisk(context.Background(), filepath.Join(t.TempDir(), "nope.qcow2"), "/tmp/x.qcow2")
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("err = %v, want missing template error", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("commands ran despite missing template: %v", f.calls)
	}
}

func TestCreateOverlayDiskRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "base.qcow2")
	overlay := filepath.Join(dir, "work-gw.qcow2")
	for _, p := range []string{tpl, overlay} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	a := testAdapter(t, newFakeRunner())
	err := a.CreateOverlayDisk(context.Background(), tpl, overlay)
	var exists *AlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("err = %v, want AlreadyExistsError", err)
	}
}

func TestDeleteOverlayDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.qcow2")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := testAdapter(t, newFakeRunner(), WithProtectedPrefixes(nil))
	if err := a.DeleteOverlayDisk(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("overlay still present")
	}

	// Absent path is a no-op.
	if err := a.DeleteOverlayDisk(context.Background(), path); err != nil {
		t.Fatalf("second delete = %v, want nil", err)
	}
}

func TestDeleteOverlayDiskReportsRemoveFailure(t *testing.T) {
	// A non-empty directory makes os.Remove fail deterministically.
	dir := t.TempDir()
	path := filepath.Join(dir, "x.qcow2")
	if err := os.MkdirAll(filepath.Join(path, "inner"), 0o755); err != nil {
		t.Fatal(err)
	}

	a := testAdapter(t, newFakeRunner(), WithProtectedPrefixes(nil))
	if err := a.DeleteOverlayDisk(context.Background(), path); err == nil {
		t.Error("delete of undeletable path returned nil")
	}
}

func TestDeleteOverlayDiskProtectedUsesPkexec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.qcow2")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := newFakeRunner()
	a := testAdapter(t, f, WithProtectedPrefixes([]string{dir}))
	if err := a.DeleteOverlayDisk(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if !f.called("pkexec rm -f " + path) {
		t.Errorf("protected delete did not use pkexec: %v", f.calls)
	}
}

func TestNeedsPrivilege(t *testing.T) {
	a := testAdapter(t, newFakeRunner())

	if !a.needsPrivilege("/var/lib/libvirt/images/x.qcow2") {
		t.Error("images dir should be protected")
	}
	if a.needsPrivilege("/home/u/.proxyvm/roles/work") {
		t.Error("home dir should not be protected")
	}
}

func TestGetBackingFile(t *testing.T) {
	f := newFakeRunner()
	f.respond("qemu-img info /images/work-gw.qcow2", Output{ExitCode: 0, Stdout: `image: /images/work-gw.qcow2
file format: qcow2
virtual size: 10 GiB (10737418240 bytes)
backing file: /images/debian-12.qcow2 (actual path: /images/debian-12.qcow2)
backing file format: qcow2
`})
	f.respond("qemu-img info /images/base.qcow2", Output{ExitCode: 0, Stdout: "image: /images/base.qcow2\nfile format: qcow2\n"})
	a := testAdapter(t, f)

	backing, err := a.GetBackingFile(context.Background(), "/images/work-gw.qcow2")
	if err != nil || backing != "/images/debian-12.qcow2" {
		t.Fatalf("GetBackingFile = %q, %v", backing, err)
	}

	backing, err = a.GetBackingFile(context.Background(), "/images/base.qcow2")
	if err != nil || backing != "" {
		t.Fatalf("GetBackingFile(no backing) = %q, %v", backing, err)
	}
}

func TestGetVMDiskPath(t *testing.T) {
	f := newFakeRunner()
	f.respond("virsh dumpxml work-gw", Output{ExitCode: 0, Stdout: `<domain type='kvm'>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/images/work-gw.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
  </devices>
</domain>`})
	a := testAdapter(t, f)

	path, err := a.GetVMDiskPath(context.Background(), "work-gw")
	if err != nil || path != "/images/work-gw.qcow2" {
		t.Fatalf("GetVMDiskPath = %q, %v", path, err)
	}
}

func TestGetVMsUsingImage(t *testing.T) {
	f := newFakeRunner()
	f.respond("virsh list --all --name", Output{ExitCode: 0, Stdout: "work-gw\nother-vm\ndirect-vm\n"})
	f.respond("virsh dumpxml work-gw", Output{ExitCode: 0, Stdout: `<source file='/images/work-gw.qcow2'/>`})
	f.respond("virsh dumpxml other-vm", Output{ExitCode: 0, Stdout: `<source file='/images/other.qcow2'/>`})
	f.respond("virsh dumpxml direct-vm", Output{ExitCode: 0, Stdout: `<source file='/images/debian-12.qcow2'/>`})
	f.respond("qemu-img info /images/work-gw.qcow2", Output{ExitCode: 0, Stdout: "backing file: /images/debian-12.qcow2\n"})
	f.respond("qemu-img info /images/other.qcow2", Output{ExitCode: 0, Stdout: "backing file: /images/fedora-40.qcow2\n"})
	f.respond("qemu-img info /images/debian-12.qcow2", Output{ExitCode: 0, Stdout: "file format: qcow2\n"})
	a := testAdapter(t, f)

	vms, err := a.GetVMsUsingImage(context.Background(), "/images/debian-12.qcow2")
	if err != nil {
		t.Fatal(err)
	}
	if len(vms) != 2 || vms[0] != "direct-vm" || vms[1] != "work-gw" {
		t.Fatalf("vms = %v, want [direct-vm work-gw]", vms)
	}
}
