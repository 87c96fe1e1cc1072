package virt

import (
	"fmt"
	"strings"
)

// ToolNotFoundError indicates a required external binary is not installed.
// It carries install guidance because the remediation differs from a
// command that ran and failed.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("command not found: %s (install with: sudo apt install libvirt-clients virtinst qemu-utils)", e.Tool)
}

// CommandError indicates an external command ran and failed.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command failed (exit %d): %s", e.ExitCode, e.Cmd)
	}
	return fmt.Sprintf("command failed (exit %d): %s: %s", e.ExitCode, e.Cmd, stderr)
}

// AlreadyExistsError indicates a resource with the requested name already
// exists. Creation paths fail fast with this instead of letting the external
// tool produce an ambiguous redefinition error.
type AlreadyExistsError struct {
	Resource string
	Name     string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Name)
}

// cmdError builds a CommandError from a finished invocation.
func cmdError(name string, args []string, out Output) *CommandError {
	return &CommandError{
		Cmd:      commandLine(name, args),
		ExitCode: out.ExitCode,
		Stderr:   out.Stderr,
	}
}
