// Package discovery gathers the two candidate addresses advertised in an
// OFFER (component (C) "Address Discovery"): a LOCAL candidate from the
// host's own network interfaces, and a STATIC candidate from UPnP (with a
// STUN fallback).
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// Candidate is the discovery package's transport-agnostic view of a
// reachability tuple, converted by the caller into the session-message
// Candidate type.
type Candidate struct {
	Local      bool
	Addr       string
	Port       uint16
	MappedAddr string
	MappedPort uint16
}

// Discoverer gathers LOCAL and STATIC candidates and tracks UPnP mappings it
// has added, so Close can tear them down (spec §5 "Resource discipline").
type Discoverer struct {
	stunServers []string
	mappings    []*upnpMapping
}

// NewDiscoverer creates a Discoverer that falls back to the given STUN
// servers (host:port) when UPnP discovery fails.
func NewDiscoverer(stunServers []string) *Discoverer {
	return &Discoverer{stunServers: stunServers}
}

// LocalCandidate returns the first non-loopback, non-link-local, up, IPv4
// interface address, paired with localPort (spec §4.3: "LOCAL candidate").
func LocalCandidate(localPort uint16) (Candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Candidate{}, fmt.Errorf("enumerating network interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.To4() == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return Candidate{Local: true, Addr: ip.String(), Port: localPort}, nil
		}
	}

	return Candidate{}, fmt.Errorf("no non-loopback IPv4 interface address found")
}

// StaticCandidate discovers an external address for localPort, preferring
// UPnP (which also installs a port mapping) and falling back to STUN (spec
// §4.3: "STATIC candidate"). If neither source yields an address, it returns
// an error; callers treat this as an OFFER-phase discovery failure.
func (d *Discoverer) StaticCandidate(ctx context.Context, localIP string, localPort uint16) (Candidate, error) {
	extIP, mappedPort, mapping, err := upnpDiscoverExternal(ctx, localIP, localPort)
	if err == nil {
		d.mappings = append(d.mappings, mapping)
		return Candidate{
			Local:      false,
			Addr:       extIP,
			Port:       localPort,
			MappedAddr: extIP,
			MappedPort: mappedPort,
		}, nil
	}
	slog.Debug("UPnP discovery failed, falling back to STUN", "error", err)

	for _, server := range d.stunServers {
		ip, port, err := stunQuery(server, int(localPort))
		if err != nil {
			slog.Debug("STUN query failed", "server", server, "error", err)
			continue
		}
		return Candidate{
			Local:      false,
			Addr:       ip,
			Port:       localPort,
			MappedAddr: ip,
			MappedPort: port,
		}, nil
	}

	return Candidate{}, fmt.Errorf("no external address discovered via UPnP or STUN")
}

// Close removes every UPnP port mapping this Discoverer installed.
func (d *Discoverer) Close() {
	for _, m := range d.mappings {
		m.remove()
	}
	d.mappings = nil
}

// DefaultRouteMAC returns the MAC address of the default-route network
// interface, or ok=false if it could not be determined on this platform
// (spec §4.3: "if unavailable, the field is left zeroed").
func DefaultRouteMAC() (mac [6]byte, ok bool) {
	return defaultRouteMAC()
}
