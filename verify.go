package dummynet

import (
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// WaitReachable pings addr until at least one ICMP echo reply arrives or the
// timeout expires. Use it after wiring a topology to confirm the path is
// actually forwarding before starting the traffic under test.
//
// Privileged (raw socket) pings are used, matching the elevation the rest of
// the orchestration already requires.
func (d *DummyNet) WaitReachable(addr string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	pinger.SetPrivileged(true)
	pinger.Timeout = timeout
	pinger.Interval = 100 * time.Millisecond
	pinger.RecordRtts = false

	pinger.OnRecv = func(*probing.Packet) {
		pinger.Stop()
	}

	d.log.Debug("waiting for reachability", "addr", addr, "timeout", timeout)
	if err := pinger.Run(); err != nil {
		return fmt.Errorf("failed to ping %s: %w", addr, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("%s not reachable within %s", addr, timeout)
	}
	d.log.Debug("reachable", "addr", addr)
	return nil
}
