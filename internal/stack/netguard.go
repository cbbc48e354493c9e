package stack

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// checkBindingDrift compares a service's live listening sockets against its
// declared port zones. A port declared internal that is found bound to a
// host-routable interface is a drift violation; loopback and overlay
// addresses are fine. Undeclared ports are ignored, drift detection is about
// the declared contract, not a firewall.
func (s *Stack) checkBindingDrift(ctx context.Context, svc manifest.ServiceSpec, pid int) []string {
	zones := make(map[uint32]string, len(svc.Ports))
	for _, p := range svc.Ports {
		zones[uint32(p.Port)] = p.Zone
	}
	if len(zones) == 0 {
		return nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	conns, err := proc.ConnectionsWithContext(ctx)
	if err != nil {
		return nil
	}

	var problems []string
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		zone, declared := zones[c.Laddr.Port]
		if !declared || zone != manifest.ZoneInternal {
			continue
		}
		if addr, err := netip.ParseAddr(c.Laddr.IP); err == nil && s.internalBindAllowed(addr) {
			continue
		}
		problems = append(problems, fmt.Sprintf(
			"internal port %d bound to %s", c.Laddr.Port, c.Laddr.IP))
	}
	return problems
}

// internalBindAllowed accepts loopback and overlay addresses for internal
// ports. Unspecified (0.0.0.0, ::) and any other host-routable address count
// as drift.
func (s *Stack) internalBindAllowed(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	return s.policy.InOverlay(addr)
}
