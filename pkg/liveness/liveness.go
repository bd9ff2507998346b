// Package liveness checks that an entry point actually tunnels traffic
// by resolving a domain through it over TCP. DNS resolution exercises
// the full path (local listener, engine, remote endpoint) with a small,
// innocuous payload.
package liveness

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
)

// Check resolves domain through the transport described by
// transportConfig, against resolver (host only, port 53 implied).
// It returns the measured wall time of the test. A non-nil error or a
// reported connectivity failure both mean the path is not usable.
func Check(ctx context.Context, transportConfig, resolver, domain string, timeout time.Duration) (time.Duration, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	streamDialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return 0, fmt.Errorf("could not create dialer: %w", err)
	}
	dnsResolver := dns.NewTCPResolver(streamDialer, net.JoinHostPort(resolver, "53"))

	start := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, dnsResolver, domain)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("connectivity test failed: %w", err)
	}
	if result != nil {
		return elapsed, fmt.Errorf("connectivity error: op=%s %s", result.Op, result.Err)
	}
	return elapsed, nil
}
