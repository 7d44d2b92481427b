//go:build linux

package discovery

import (
	"bufio"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
)

// defaultRouteMAC resolves the default gateway's IP from /proc/net/route and
// its MAC from /proc/net/arp.
func defaultRouteMAC() ([6]byte, bool) {
	var zero [6]byte

	gatewayIP, ok := readDefaultGatewayIP("/proc/net/route")
	if !ok {
		return zero, false
	}

	mac, ok := readARPEntry("/proc/net/arp", gatewayIP)
	if !ok {
		return zero, false
	}

	return mac, true
}

// readDefaultGatewayIP parses /proc/net/route, returning the gateway address
// of the entry whose Destination field is 00000000 (the default route), as a
// dotted-decimal string.
func readDefaultGatewayIP(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		return hexLittleEndianToIP(fields[2])
	}
	return "", false
}

// hexLittleEndianToIP converts /proc/net/route's little-endian hex IP
// encoding into dotted-decimal form.
func hexLittleEndianToIP(hexStr string) (string, bool) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 4 {
		return "", false
	}
	return strconv.Itoa(int(raw[3])) + "." + strconv.Itoa(int(raw[2])) + "." +
		strconv.Itoa(int(raw[1])) + "." + strconv.Itoa(int(raw[0])), true
}

// readARPEntry parses /proc/net/arp, returning the MAC address for ip.
func readARPEntry(path, ip string) ([6]byte, bool) {
	var mac [6]byte

	f, err := os.Open(path)
	if err != nil {
		return mac, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[0] != ip {
			continue
		}
		parsed, err := parseMACString(fields[3])
		if err != nil {
			return mac, false
		}
		return parsed, true
	}
	return mac, false
}

func parseMACString(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, strconvErr(s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, err
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

func strconvErr(s string) error {
	return &strconv.NumError{Func: "parseMACString", Num: s, Err: strconv.ErrSyntax}
}
