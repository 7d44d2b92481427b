//go:build !linux && !windows

package discovery

// defaultRouteMAC is unsupported on this platform; the default-route MAC
// field is left zeroed (spec §4.3: "if unavailable, the field is left
// zeroed").
func defaultRouteMAC() ([6]byte, bool) {
	var zero [6]byte
	return zero, false
}
