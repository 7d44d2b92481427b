package prober

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// respondingPeer listens on loopback, reads one challenge frame, and replies
// with a RESP frame echoing the same request id.
func respondingPeer(t *testing.T) (port uint16, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		buf := make([]byte, frameSize)
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil || n != frameSize {
			return
		}
		reqID := binary.BigEndian.Uint32(buf[offsetRequestID:])

		resp := make([]byte, frameSize)
		binary.BigEndian.PutUint32(resp[offsetMsgType:], msgTypeResp)
		binary.BigEndian.PutUint32(resp[offsetRequestID:], reqID)
		_, _ = conn.WriteToUDP(resp, raddr)
	}()

	return uint16(conn.LocalAddr().(*net.UDPAddr).Port), func() { conn.Close() }
}

func TestProbeSelectsLocalCandidateOverStatic(t *testing.T) {
	localPort, stopLocal := respondingPeer(t)
	defer stopLocal()
	staticPort, stopStatic := respondingPeer(t)
	defer stopStatic()

	candidates := []Candidate{
		{Local: false, Addr: "127.0.0.1", Port: staticPort},
		{Local: true, Addr: "127.0.0.1", Port: localPort},
	}

	var localHash, peerHash [20]byte
	result, err := Probe(context.Background(), localHash, peerHash, 1, 2, candidates, 2*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	defer result.Conn.Close()

	if !result.Selected.Local {
		t.Fatalf("expected LOCAL candidate to win, got %+v", result.Selected)
	}
	if result.Selected.Port != localPort {
		t.Fatalf("expected local port %d, got %d", localPort, result.Selected.Port)
	}
}

func TestProbeFallsBackToStaticWhenNoLocalResponds(t *testing.T) {
	staticPort, stopStatic := respondingPeer(t)
	defer stopStatic()

	deadSock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := uint16(deadSock.LocalAddr().(*net.UDPAddr).Port)
	deadSock.Close() // nothing will ever respond on this port

	candidates := []Candidate{
		{Local: true, Addr: "127.0.0.1", Port: deadPort},
		{Local: false, Addr: "127.0.0.1", Port: staticPort},
	}

	var localHash, peerHash [20]byte
	result, err := Probe(context.Background(), localHash, peerHash, 1, 2, candidates, 2*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	defer result.Conn.Close()

	if result.Selected.Local {
		t.Fatalf("expected STATIC fallback, got LOCAL: %+v", result.Selected)
	}
}

func TestProbeTimesOutWhenNothingResponds(t *testing.T) {
	deadSock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := uint16(deadSock.LocalAddr().(*net.UDPAddr).Port)
	deadSock.Close()

	candidates := []Candidate{{Local: true, Addr: "127.0.0.1", Port: deadPort}}

	var localHash, peerHash [20]byte
	start := time.Now()
	_, err = Probe(context.Background(), localHash, peerHash, 1, 2, candidates, 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe took too long to give up: %v", elapsed)
	}
}

func TestBuildChallengeLayout(t *testing.T) {
	var localHash, peerHash [20]byte
	localHash[0] = 0xAA
	peerHash[0] = 0xBB

	frame := buildChallenge(localHash, peerHash, 0x1234, 0x5678, 0xdeadbeef)
	if len(frame) != frameSize {
		t.Fatalf("unexpected frame size: %d", len(frame))
	}
	if binary.BigEndian.Uint32(frame[offsetMsgType:]) != msgTypeReq {
		t.Fatal("unexpected msg type")
	}
	if frame[offsetLocalHash] != 0xAA || frame[offsetPeerHash] != 0xBB {
		t.Fatal("hash fields not placed at expected offsets")
	}
	if binary.BigEndian.Uint16(frame[offsetSIDLocal:]) != 0x1234 {
		t.Fatal("sidLocal mismatch")
	}
	if binary.BigEndian.Uint16(frame[offsetSIDConsole:]) != 0x5678 {
		t.Fatal("sidConsole mismatch")
	}
	if binary.BigEndian.Uint32(frame[offsetRequestID:]) != 0xdeadbeef {
		t.Fatal("requestID mismatch")
	}
}
