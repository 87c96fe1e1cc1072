// Package virt manages libvirt resources through the external CLI toolchain
// (virsh, virt-install, qemu-img) - networks, overlay disks, and VM lifecycle.
package virt

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Output captures the result of one external command invocation.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (o Output) Success() bool {
	return o.ExitCode == 0
}

// Runner executes an external command and returns its captured output.
// A non-zero exit is not an error at this level; callers decide per
// operation how to interpret the exit code.
type Runner func(ctx context.Context, name string, args ...string) (Output, error)

// NewLocalRunner returns a Runner that executes commands directly on the host.
func NewLocalRunner() Runner {
	return func(ctx context.Context, name string, args ...string) (Output, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		out := Output{
			ExitCode: 0,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				out.ExitCode = exitErr.ExitCode()
				return out, nil
			}
			if errors.Is(err, exec.ErrNotFound) {
				return out, &ToolNotFoundError{Tool: name}
			}
			return out, &CommandError{
				Cmd:      commandLine(name, args),
				ExitCode: -1,
				Stderr:   err.Error(),
			}
		}
		return out, nil
	}
}

// WithPkexec wraps a Runner so every command is re-invoked through pkexec.
// The operation's argument building stays identical; only the invocation
// front-end changes.
func WithPkexec(run Runner) Runner {
	return func(ctx context.Context, name string, args ...string) (Output, error) {
		full := append([]string{name}, args...)
		return run(ctx, "pkexec", full...)
	}
}

func commandLine(name string, args []string) string {
	return name + " " + strings.Join(args, " ")
}
