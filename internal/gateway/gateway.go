// Package gateway models the gateway-mode configuration of a role and its
// on-disk representation: the flat KEY=VALUE proxy.conf consumed inside the
// gateway VM plus the apply-proxy.sh script that translates it into
// proxychains configuration.
package gateway

import (
	"fmt"
	"strings"
)

// Mode selects how the gateway VM routes egress traffic.
type Mode string

const (
	ModeProxyChain Mode = "PROXY_CHAIN"
	ModeWireGuard  Mode = "WIREGUARD"
	ModeOpenVPN    Mode = "OPENVPN"
)

// ParseMode maps a serialized mode string back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeProxyChain:
		return ModeProxyChain, nil
	case ModeWireGuard:
		return ModeWireGuard, nil
	case ModeOpenVPN:
		return ModeOpenVPN, nil
	}
	return "", fmt.Errorf("unknown gateway mode %q", s)
}

// Label returns a human readable mode name for menus and summaries.
func (m Mode) Label() string {
	switch m {
	case ModeProxyChain:
		return "Proxy Chain (SOCKS5/HTTP)"
	case ModeWireGuard:
		return "WireGuard VPN"
	case ModeOpenVPN:
		return "OpenVPN"
	}
	return string(m)
}

// ProxyType is the protocol of a single chain hop.
type ProxyType string

const (
	ProxySOCKS5 ProxyType = "SOCKS5"
	ProxyHTTP   ProxyType = "HTTP"
)

// ParseProxyType maps a serialized proxy type back to a ProxyType.
func ParseProxyType(s string) (ProxyType, error) {
	switch ProxyType(strings.ToUpper(strings.TrimSpace(s))) {
	case ProxySOCKS5:
		return ProxySOCKS5, nil
	case ProxyHTTP:
		return ProxyHTTP, nil
	}
	return "", fmt.Errorf("unknown proxy type %q", s)
}

// ChainStrategy is the proxychains chaining strategy.
type ChainStrategy string

const (
	StrictChain  ChainStrategy = "strict_chain"
	DynamicChain ChainStrategy = "dynamic_chain"
	RandomChain  ChainStrategy = "random_chain"
)

// MaxHops caps the length of a proxy chain.
const MaxHops = 8

// Hop is one proxy in the chain. Index is 1-based and determines both the
// PROXY_i_* key group and the chain order.
type Hop struct {
	Index    int
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
	Label    string
}

// WireGuardSettings references a WireGuard config file copied into the role
// directory. The file itself is never parsed.
type WireGuardSettings struct {
	ConfigPath      string
	InterfaceName   string
	RouteAllTraffic bool
}

// OpenVPNSettings references an OpenVPN config file copied into the role
// directory. The file itself is never parsed.
type OpenVPNSettings struct {
	ConfigPath      string
	AuthFile        string
	RouteAllTraffic bool
}

// Config is a role's complete gateway-mode configuration.
type Config struct {
	Role      string
	Mode      Mode
	Strategy  ChainStrategy
	Hops      []Hop
	WireGuard *WireGuardSettings
	OpenVPN   *OpenVPNSettings
}

// NewConfig returns a config with the default chain strategy.
func NewConfig(role string, mode Mode) *Config {
	return &Config{Role: role, Mode: mode, Strategy: StrictChain}
}

// AddHop appends a hop and assigns it the next index.
func (c *Config) AddHop(h Hop) {
	h.Index = len(c.Hops) + 1
	c.Hops = append(c.Hops, h)
}

// Validate checks mode-specific requirements.
func (c *Config) Validate() error {
	if c.Role == "" {
		return fmt.Errorf("gateway config has no role")
	}
	switch c.Mode {
	case ModeProxyChain:
		if len(c.Hops) == 0 {
			return fmt.Errorf("proxy chain requires at least one hop")
		}
		if len(c.Hops) > MaxHops {
			return fmt.Errorf("proxy chain supports at most %d hops, got %d", MaxHops, len(c.Hops))
		}
		for i, h := range c.Hops {
			// PROXY_i_* keys are read back by position, so indices must
			// run 1..N in chain order.
			if h.Index != i+1 {
				return fmt.Errorf("proxy at position %d has index %d, want %d", i+1, h.Index, i+1)
			}
			if h.Host == "" {
				return fmt.Errorf("proxy %d has no host", h.Index)
			}
			if h.Port < 1 || h.Port > 65535 {
				return fmt.Errorf("proxy %d has invalid port %d", h.Index, h.Port)
			}
		}
	case ModeWireGuard:
		if c.WireGuard == nil || c.WireGuard.ConfigPath == "" {
			return fmt.Errorf("wireguard mode requires a config file path")
		}
	case ModeOpenVPN:
		if c.OpenVPN == nil || c.OpenVPN.ConfigPath == "" {
			return fmt.Errorf("openvpn mode requires a config file path")
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Mode)
	}
	return nil
}
