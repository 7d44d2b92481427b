//go:build windows

package discovery

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modIPHlpAPI          = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetIPForwardTable = modIPHlpAPI.NewProc("GetIpForwardTable")
	procGetIPNetTable     = modIPHlpAPI.NewProc("GetIpNetTable")
)

// mibIPForwardRow mirrors the Win32 MIB_IPFORWARDROW structure, trimmed to
// the fields this lookup needs.
type mibIPForwardRow struct {
	dest       uint32
	mask       uint32
	policy     uint32
	nextHop    uint32
	ifIndex    uint32
	rest       [9]uint32 // type, proto, age, nextHopAS, metric1-5 (unused)
}

// mibIPNetRow mirrors the Win32 MIB_IPNETROW structure.
type mibIPNetRow struct {
	index       uint32
	physAddrLen uint32
	physAddr    [8]byte
	addr        uint32
	rowType     uint32
}

// defaultRouteMAC queries the IP forwarding table for the default route
// (destination 0.0.0.0), then the ARP/neighbor table for the MAC of that
// route's next-hop, calling iphlpapi.dll directly and walking the returned
// tables by hand.
func defaultRouteMAC() ([6]byte, bool) {
	var zero [6]byte

	gatewayIP, ifIndex, ok := queryDefaultForwardRow()
	if !ok {
		return zero, false
	}

	mac, ok := queryNeighborMAC(ifIndex, gatewayIP)
	if !ok {
		return zero, false
	}
	return mac, true
}

func queryDefaultForwardRow() (gatewayIP uint32, ifIndex uint32, ok bool) {
	var size uint32
	procGetIPForwardTable.Call(0, uintptr(unsafe.Pointer(&size)), 0)
	if size == 0 {
		return 0, 0, false
	}

	buf := make([]byte, size)
	ret, _, _ := procGetIPForwardTable.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if ret != 0 {
		return 0, 0, false
	}

	numEntries := *(*uint32)(unsafe.Pointer(&buf[0]))
	rowsBase := uintptr(unsafe.Pointer(&buf[0])) + unsafe.Sizeof(numEntries)

	for i := uint32(0); i < numEntries; i++ {
		row := (*mibIPForwardRow)(unsafe.Pointer(rowsBase + uintptr(i)*unsafe.Sizeof(mibIPForwardRow{})))
		if row.dest == 0 && row.mask == 0 {
			return row.nextHop, row.ifIndex, true
		}
	}
	return 0, 0, false
}

func queryNeighborMAC(ifIndex, ip uint32) ([6]byte, bool) {
	var zero [6]byte

	var size uint32
	procGetIPNetTable.Call(0, uintptr(unsafe.Pointer(&size)), 0)
	if size == 0 {
		return zero, false
	}

	buf := make([]byte, size)
	ret, _, _ := procGetIPNetTable.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if ret != 0 {
		return zero, false
	}

	numEntries := *(*uint32)(unsafe.Pointer(&buf[0]))
	rowsBase := uintptr(unsafe.Pointer(&buf[0])) + unsafe.Sizeof(numEntries)

	for i := uint32(0); i < numEntries; i++ {
		row := (*mibIPNetRow)(unsafe.Pointer(rowsBase + uintptr(i)*unsafe.Sizeof(mibIPNetRow{})))
		if row.index == ifIndex && row.addr == ip && row.physAddrLen == 6 {
			var mac [6]byte
			copy(mac[:], row.physAddr[:6])
			return mac, true
		}
	}
	return zero, false
}
