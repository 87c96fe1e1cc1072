package virt

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// TestTCPConnection resolves every address for host and tries each until
// one accepts a connection within the adapter's connect timeout. Used for
// pre-flight validation of proxy hops, not health monitoring.
func (a *Adapter) TestTCPConnection(ctx context.Context, host string, port int) error {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("connection test %s:%d: DNS resolution failed: %w", host, port, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("connection test %s:%d: no addresses resolved", host, port)
	}

	dialer := net.Dialer{Timeout: a.connectTimeout}
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			_ = conn.Close()
			return nil
		}
	}
	return fmt.Errorf("connection test %s:%d: connection timed out or refused", host, port)
}
