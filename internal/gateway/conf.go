package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// Generate renders a Config as proxy.conf content. The format is flat
// KEY=VALUE lines so shell scripts inside the gateway VM can source it
// directly. Empty keys are always emitted so consumers can rely on every
// key being defined.
func Generate(c *Config) string {
	var lines []string

	lines = append(lines, fmt.Sprintf("# Proxy config for role: %s", c.Role))
	lines = append(lines, fmt.Sprintf("GATEWAY_MODE=%s", c.Mode))
	lines = append(lines, fmt.Sprintf("CHAIN_STRATEGY=%s", c.Strategy))
	lines = append(lines, fmt.Sprintf("PROXY_COUNT=%d", len(c.Hops)))
	lines = append(lines, "")

	if c.Mode == ModeProxyChain && len(c.Hops) > 0 {
		lines = append(lines, "# Proxy chain configuration")
		for _, h := range c.Hops {
			lines = append(lines,
				fmt.Sprintf("PROXY_%d_TYPE=%s", h.Index, h.Type),
				fmt.Sprintf("PROXY_%d_HOST=%s", h.Index, h.Host),
				fmt.Sprintf("PROXY_%d_PORT=%d", h.Index, h.Port),
				fmt.Sprintf("PROXY_%d_USER=%s", h.Index, h.Username),
				fmt.Sprintf("PROXY_%d_PASS=%s", h.Index, h.Password),
				fmt.Sprintf("PROXY_%d_LABEL=%s", h.Index, h.Label),
			)
		}

		// Older in-VM scripts only understand a single proxy, so the
		// first hop is mirrored into the legacy key group.
		first := c.Hops[0]
		lines = append(lines, "", "# First proxy (for compatibility)")
		lines = append(lines, fmt.Sprintf("ACTIVE_PROTOCOL=%s", first.Type))
		if first.Type == ProxySOCKS5 {
			lines = append(lines,
				fmt.Sprintf("SOCKS5_HOST=%s", first.Host),
				fmt.Sprintf("SOCKS5_PORT=%d", first.Port),
				fmt.Sprintf("SOCKS5_USER=%s", first.Username),
				fmt.Sprintf("SOCKS5_PASS=%s", first.Password),
				"HTTP_HOST=", "HTTP_PORT=", "HTTP_USER=", "HTTP_PASS=",
			)
		} else {
			lines = append(lines,
				"SOCKS5_HOST=", "SOCKS5_PORT=", "SOCKS5_USER=", "SOCKS5_PASS=",
				fmt.Sprintf("HTTP_HOST=%s", first.Host),
				fmt.Sprintf("HTTP_PORT=%d", first.Port),
				fmt.Sprintf("HTTP_USER=%s", first.Username),
				fmt.Sprintf("HTTP_PASS=%s", first.Password),
			)
		}
	} else {
		lines = append(lines, "# First proxy (for compatibility)")
		lines = append(lines,
			"ACTIVE_PROTOCOL=",
			"SOCKS5_HOST=", "SOCKS5_PORT=", "SOCKS5_USER=", "SOCKS5_PASS=",
			"HTTP_HOST=", "HTTP_PORT=", "HTTP_USER=", "HTTP_PASS=",
		)
	}

	lines = append(lines, "", "# VPN / other modes")
	if wg := c.WireGuard; wg != nil {
		lines = append(lines,
			fmt.Sprintf("WG_CONFIG_PATH=%s", wg.ConfigPath),
			fmt.Sprintf("WG_INTERFACE_NAME=%s", wg.InterfaceName),
			fmt.Sprintf("WG_ROUTE_ALL_TRAFFIC=%t", wg.RouteAllTraffic),
		)
	} else {
		lines = append(lines, "WG_CONFIG_PATH=", "WG_INTERFACE_NAME=", "WG_ROUTE_ALL_TRAFFIC=")
	}
	if ovpn := c.OpenVPN; ovpn != nil {
		lines = append(lines,
			fmt.Sprintf("OPENVPN_CONFIG_PATH=%s", ovpn.ConfigPath),
			fmt.Sprintf("OPENVPN_AUTH_FILE=%s", ovpn.AuthFile),
			fmt.Sprintf("OPENVPN_ROUTE_ALL_TRAFFIC=%t", ovpn.RouteAllTraffic),
		)
	} else {
		lines = append(lines, "OPENVPN_CONFIG_PATH=", "OPENVPN_AUTH_FILE=", "OPENVPN_ROUTE_ALL_TRAFFIC=")
	}

	return strings.Join(lines, "\n")
}

// Parse reconstructs a Config from proxy.conf content. Hop order, hop
// credentials, and VPN file references survive a Generate/Parse round trip.
func Parse(role, content string) (*Config, error) {
	kv := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	mode, err := ParseMode(kv["GATEWAY_MODE"])
	if err != nil {
		return nil, err
	}

	c := NewConfig(role, mode)
	if s := kv["CHAIN_STRATEGY"]; s != "" {
		c.Strategy = ChainStrategy(s)
	}

	count := 0
	if s := kv["PROXY_COUNT"]; s != "" {
		count, err = strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid PROXY_COUNT %q", s)
		}
	}
	for i := 1; i <= count; i++ {
		prefix := fmt.Sprintf("PROXY_%d_", i)
		typ, err := ParseProxyType(kv[prefix+"TYPE"])
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		port, err := strconv.Atoi(kv[prefix+"PORT"])
		if err != nil {
			return nil, fmt.Errorf("proxy %d: invalid port %q", i, kv[prefix+"PORT"])
		}
		c.Hops = append(c.Hops, Hop{
			Index:    i,
			Type:     typ,
			Host:     kv[prefix+"HOST"],
			Port:     port,
			Username: kv[prefix+"USER"],
			Password: kv[prefix+"PASS"],
			Label:    kv[prefix+"LABEL"],
		})
	}

	if path := kv["WG_CONFIG_PATH"]; path != "" {
		c.WireGuard = &WireGuardSettings{
			ConfigPath:      path,
			InterfaceName:   kv["WG_INTERFACE_NAME"],
			RouteAllTraffic: kv["WG_ROUTE_ALL_TRAFFIC"] == "true",
		}
	}
	if path := kv["OPENVPN_CONFIG_PATH"]; path != "" {
		c.OpenVPN = &OpenVPNSettings{
			ConfigPath:      path,
			AuthFile:        kv["OPENVPN_AUTH_FILE"],
			RouteAllTraffic: kv["OPENVPN_ROUTE_ALL_TRAFFIC"] == "true",
		}
	}

	return c, nil
}
