// Package punch drives the signaling state machine and UDP hole-punching
// sequence used to establish peer-to-peer connectivity between a remote-play
// client and a console, both behind NATs, via a vendor-operated signaling
// service.
//
// The package does not speak the vendor's REST/WebSocket contracts directly
// to callers; it orchestrates internal/signaling (HTTP session calls),
// internal/push (the authenticated notification stream), internal/discovery
// (local/UPnP/STUN candidate gathering), and internal/prober (UDP
// connectivity checks) behind a small, synchronous Session API.
package punch
