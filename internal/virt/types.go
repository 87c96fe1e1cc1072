package virt

import "strings"

// VMState is the lifecycle state of a libvirt domain. Unknown is the
// default whenever the tool's output does not parse cleanly.
type VMState string

const (
	StateRunning VMState = "running"
	StatePaused  VMState = "paused"
	StateShutOff VMState = "shut off"
	StateUnknown VMState = "unknown"
)

// ParseVMState maps virsh dominfo state text onto the closed enum.
func ParseVMState(s string) VMState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StateRunning
	case "paused":
		return StatePaused
	case "shut off", "shutoff":
		return StateShutOff
	default:
		return StateUnknown
	}
}

// IsRunning reports whether the state is running.
func (s VMState) IsRunning() bool { return s == StateRunning }

// NetworkState is the state of a libvirt network.
type NetworkState string

const (
	NetworkActive   NetworkState = "active"
	NetworkInactive NetworkState = "inactive"
	NetworkUnknown  NetworkState = "unknown"
)

// IsActive reports whether the network is active.
func (s NetworkState) IsActive() bool { return s == NetworkActive }

// VMKind classifies a VM by its function within a role.
type VMKind string

const (
	KindGateway    VMKind = "gateway"
	KindApp        VMKind = "app"
	KindDisposable VMKind = "disposable"
	KindOther      VMKind = "other"
)

// VMInfo describes a libvirt domain as observed via virsh.
type VMInfo struct {
	Name  string
	State VMState
	Kind  VMKind
	Role  string
}

// NetworkInfo describes a libvirt network as observed via virsh.
type NetworkInfo struct {
	Name      string
	State     NetworkState
	Autostart bool
}

// ParseVMName infers a VM's kind and owning role from its name alone.
// Naming conventions: "{role}-gw" for gateways, "{role}-app-{n}" for app
// VMs, "disp-{role}-{timestamp}" for disposables. This is the single place
// the convention is interpreted.
func ParseVMName(name string) (kind VMKind, role string) {
	switch {
	case strings.HasSuffix(name, "-gw"):
		return KindGateway, strings.TrimSuffix(name, "-gw")
	case strings.Contains(name, "-app-"):
		return KindApp, name[:strings.Index(name, "-app-")]
	case strings.HasPrefix(name, "disp-"):
		rest := strings.TrimPrefix(name, "disp-")
		// Trailing "-YYYYMMDD-HHMMSS" timestamp, when present.
		parts := strings.Split(rest, "-")
		if len(parts) >= 3 {
			return KindDisposable, strings.Join(parts[:len(parts)-2], "-")
		}
		return KindDisposable, rest
	default:
		return KindOther, ""
	}
}
