// Package netpolicy classifies declared service ports into the private
// overlay and the proxy-published set, and rejects manifests that would leak
// a privileged port onto the public side.
package netpolicy

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// Zone mirrors the manifest port zones.
type Zone string

const (
	ZoneInternal Zone = manifest.ZoneInternal
	ZoneExposed  Zone = manifest.ZoneExposed
)

// ViolationError reports port-zone rule violations. Like manifest validation
// it is a configuration error: detected at load time, before any process
// starts.
type ViolationError struct {
	Problems []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("network policy violation: %s", strings.Join(e.Problems, "; "))
}

// Binding is one listening socket a service is allowed to open.
type Binding struct {
	Service string
	Addr    netip.AddrPort
	Proto   string
	Zone    Zone
}

// Publication is one exposed port, published on the proxy's public address
// and forwarded to a service's overlay address.
type Publication struct {
	Service string
	Public  netip.AddrPort
	Target  netip.AddrPort
}

// Policy derives overlay addresses and publication sets from the manifest.
type Policy struct {
	overlay    netip.Prefix
	publicAddr netip.Addr
	proxy      string
	addrs      map[string]netip.Addr
}

const defaultOverlayCIDR = "172.28.0.0/16"

// New validates the manifest's zone declarations and assigns each service a
// stable address inside the overlay prefix. Returns a ViolationError for any
// zone rule breach.
func New(m *manifest.StackManifest) (*Policy, error) {
	cidr := m.Network.OverlayCIDR
	if cidr == "" {
		cidr = defaultOverlayCIDR
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, &ViolationError{Problems: []string{fmt.Sprintf("network.overlay_cidr %q: %v", cidr, err)}}
	}
	if !prefix.Addr().Is4() {
		return nil, &ViolationError{Problems: []string{"network.overlay_cidr must be an IPv4 range"}}
	}

	publicAddr := netip.IPv4Unspecified()
	if m.Network.PublicAddr != "" {
		publicAddr, err = netip.ParseAddr(m.Network.PublicAddr)
		if err != nil {
			return nil, &ViolationError{Problems: []string{fmt.Sprintf("network.public_addr %q: %v", m.Network.PublicAddr, err)}}
		}
	}

	p := &Policy{
		overlay:    prefix,
		publicAddr: publicAddr,
		proxy:      proxyName(m),
		addrs:      make(map[string]netip.Addr, len(m.Services)),
	}

	// Stable ordinal assignment: manifest order, starting at .2 (.1 is the
	// overlay gateway).
	names := make([]string, 0, len(m.Services))
	for _, s := range m.Services {
		names = append(names, s.Name)
	}
	for i, name := range names {
		addr, ok := addrAt(prefix, i+2)
		if !ok {
			return nil, &ViolationError{Problems: []string{fmt.Sprintf("overlay range %s too small for %d services", cidr, len(names))}}
		}
		p.addrs[name] = addr
	}

	if problems := checkZones(m, p.proxy); len(problems) > 0 {
		return nil, &ViolationError{Problems: problems}
	}
	return p, nil
}

// proxyName resolves the designated proxy: the explicit network.proxy_service
// wins, else the single service flagged proxy = true.
func proxyName(m *manifest.StackManifest) string {
	if m.Network.ProxyService != "" {
		return m.Network.ProxyService
	}
	for _, s := range m.Services {
		if s.Proxy {
			return s.Name
		}
	}
	return ""
}

func checkZones(m *manifest.StackManifest, proxy string) []string {
	var problems []string
	exposedSeen := false
	for _, s := range m.Services {
		for _, port := range s.Ports {
			if port.Zone == manifest.ZoneExposed {
				exposedSeen = true
				if port.Privileged {
					problems = append(problems, fmt.Sprintf(
						"service %q declares privileged port %d as exposed", s.Name, port.Port))
				}
			}
		}
		if s.Proxy && s.Name != proxy {
			problems = append(problems, fmt.Sprintf(
				"service %q declares proxy = true but %q is the designated proxy", s.Name, proxy))
		}
	}
	if exposedSeen && proxy == "" {
		problems = append(problems, "exposed ports declared but no proxy service designated")
	}
	sort.Strings(problems)
	return problems
}

// Classify returns the zone for a declared port.
func (p *Policy) Classify(port manifest.Port) Zone {
	if port.Zone == manifest.ZoneExposed {
		return ZoneExposed
	}
	return ZoneInternal
}

// OverlayAddr returns the stable private address assigned to a service.
func (p *Policy) OverlayAddr(service string) (netip.Addr, bool) {
	a, ok := p.addrs[service]
	return a, ok
}

// Proxy returns the designated reverse-proxy service name.
func (p *Policy) Proxy() string { return p.proxy }

// InOverlay reports whether an address belongs to the private overlay range.
func (p *Policy) InOverlay(addr netip.Addr) bool {
	return p.overlay.Contains(addr.Unmap())
}

// Bindings returns the sockets a service may open. Internal ports bind the
// service's overlay address only, never a host-routable interface. Exposed
// ports on the proxy bind the public address; exposed ports on any other
// service still bind the overlay, because they are only reachable through the
// proxy's publication.
func (p *Policy) Bindings(s manifest.ServiceSpec) []Binding {
	overlay := p.addrs[s.Name]
	var out []Binding
	for _, port := range s.Ports {
		proto := port.Proto
		if proto == "" {
			proto = "tcp"
		}
		addr := overlay
		zone := p.Classify(port)
		if zone == ZoneExposed && s.Name == p.proxy {
			addr = p.publicAddr
		}
		out = append(out, Binding{
			Service: s.Name,
			Addr:    netip.AddrPortFrom(addr, uint16(port.Port)),
			Proto:   proto,
			Zone:    zone,
		})
	}
	return out
}

// Publications returns the proxy-mediated exposure set for the whole stack.
// Every exposed port of a non-proxy service becomes a publication from the
// proxy's public address to the service's overlay address; the two resulting
// sets (internal bindings, publications) are disjoint by construction.
func (p *Policy) Publications(m *manifest.StackManifest) []Publication {
	var out []Publication
	for _, s := range m.Services {
		if s.Name == p.proxy {
			continue
		}
		for _, port := range s.Ports {
			if p.Classify(port) != ZoneExposed {
				continue
			}
			out = append(out, Publication{
				Service: s.Name,
				Public:  netip.AddrPortFrom(p.publicAddr, uint16(port.Port)),
				Target:  netip.AddrPortFrom(p.addrs[s.Name], uint16(port.Port)),
			})
		}
	}
	return out
}

// addrAt returns the nth address inside the prefix.
func addrAt(prefix netip.Prefix, n int) (netip.Addr, bool) {
	a := prefix.Addr().As4()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v += uint32(n)
	out := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	if !prefix.Contains(out) {
		return netip.Addr{}, false
	}
	return out, true
}
