package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

const upnpDiscoveryTimeout = 2 * time.Second

// upnpMapping records a port mapping this process added, so it can be torn
// down by Close (spec §5 "Resource discipline": "one DeletePortMapping per
// mapping added").
type upnpMapping struct {
	client     *internetgateway2.WANIPConnection1
	externalPort uint16
	protocol     string
}

// upnpDiscoverExternal discovers an Internet Gateway Device, reads its
// external IP address, and installs a UDP port mapping from localPort to
// localPort with a human-readable description (spec §4.3 step 1).
//
// On success it returns the external IP, the mapped port (always equal to
// localPort here), and a mapping handle to remove on teardown.
func upnpDiscoverExternal(ctx context.Context, localIP string, localPort uint16) (ip string, mappedPort uint16, mapping *upnpMapping, err error) {
	dctx, cancel := context.WithTimeout(ctx, upnpDiscoveryTimeout)
	defer cancel()

	clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(dctx)
	if err != nil {
		return "", 0, nil, fmt.Errorf("discovering UPnP IGDs: %w", err)
	}
	if len(clients) == 0 {
		return "", 0, nil, fmt.Errorf("no UPnP IGD found")
	}
	client := clients[0]

	extIP, err := client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return "", 0, nil, fmt.Errorf("reading UPnP external IP: %w", err)
	}

	const desc = "punchcore hole-punch candidate"
	if err := client.AddPortMappingCtx(ctx,
		"",
		localPort,
		"UDP",
		localPort,
		localIP,
		true,
		desc,
		0,
	); err != nil {
		return "", 0, nil, fmt.Errorf("adding UPnP port mapping: %w", err)
	}

	return extIP, localPort, &upnpMapping{client: client, externalPort: localPort, protocol: "UDP"}, nil
}

// remove deletes the port mapping this handle installed. Safe to call on a
// nil receiver (no-op), so callers don't need to track whether UPnP was used.
func (m *upnpMapping) remove() {
	if m == nil {
		return
	}
	_ = m.client.DeletePortMappingCtx(context.Background(), "", m.externalPort, m.protocol)
}
