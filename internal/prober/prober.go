// Package prober implements concurrent UDP candidate probing (component (F)
// "Candidate Prober"): for each peer candidate, a fresh socket sends a
// challenge frame, and the first validated LOCAL response wins, falling back
// to the first validated STATIC response, with a single overall timeout.
package prober

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// frameSize is the fixed wire size of both the challenge and response
	// frames (spec §4.6).
	frameSize = 88

	msgTypeReq  uint32 = 6
	msgTypeResp uint32 = 7

	offsetMsgType    = 0x00
	offsetLocalHash  = 0x04
	offsetPeerHash   = 0x24
	offsetSIDLocal   = 0x44
	offsetSIDConsole = 0x46
	offsetRequestID  = 0x48
)

// Candidate is a single reachability tuple to probe.
type Candidate struct {
	Local bool
	Addr  string
	Port  uint16
}

// Result is the outcome of a successful probe: the live socket (still
// connected to the selected peer) and the candidate it validated.
type Result struct {
	Conn      *net.UDPConn
	LocalPort int
	Selected  Candidate
}

// Probe sends an 88-byte challenge to every candidate from its own socket,
// waits up to timeout for responses, and returns as soon as any LOCAL
// candidate validates; failing that, the first validated STATIC candidate.
// Every other socket is closed before returning (spec §5 "Resource
// discipline").
func Probe(ctx context.Context, localHashedID, peerHashedID [20]byte, sidLocal, sidConsole uint16, candidates []Candidate, timeout time.Duration) (*Result, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates to probe")
	}

	type probeSocket struct {
		conn      *net.UDPConn
		candidate Candidate
		requestID uint32
	}

	sockets := make([]*probeSocket, 0, len(candidates))
	closeAll := func(except *net.UDPConn) {
		for _, s := range sockets {
			if s.conn != except {
				s.conn.Close()
			}
		}
	}

	for _, c := range candidates {
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", c.Addr, c.Port))
		if err != nil {
			continue
		}
		conn, err := net.DialUDP("udp4", nil, addr)
		if err != nil {
			continue
		}

		reqID, err := randomRequestID()
		if err != nil {
			conn.Close()
			continue
		}
		frame := buildChallenge(localHashedID, peerHashedID, sidLocal, sidConsole, reqID)
		if _, err := conn.Write(frame); err != nil {
			conn.Close()
			continue
		}

		sockets = append(sockets, &probeSocket{conn: conn, candidate: c, requestID: reqID})
	}

	if len(sockets) == 0 {
		return nil, fmt.Errorf("no probe socket could be opened")
	}

	deadline := time.Now().Add(timeout)

	type response struct {
		sock *probeSocket
		ok   bool
	}
	results := make(chan response, len(sockets))
	var wg sync.WaitGroup

	probeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for _, s := range sockets {
		wg.Add(1)
		go func(s *probeSocket) {
			defer wg.Done()
			ok := readAndValidate(probeCtx, s.conn, s.requestID)
			results <- response{sock: s, ok: ok}
		}(s)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var staticWinner *probeSocket
	for r := range results {
		if !r.ok {
			continue
		}
		if r.sock.candidate.Local {
			closeAll(r.sock.conn)
			localAddr := r.sock.conn.LocalAddr().(*net.UDPAddr)
			return &Result{Conn: r.sock.conn, LocalPort: localAddr.Port, Selected: r.sock.candidate}, nil
		}
		if staticWinner == nil {
			staticWinner = r.sock
		}
	}

	if staticWinner != nil {
		closeAll(staticWinner.conn)
		localAddr := staticWinner.conn.LocalAddr().(*net.UDPAddr)
		return &Result{Conn: staticWinner.conn, LocalPort: localAddr.Port, Selected: staticWinner.candidate}, nil
	}

	closeAll(nil)
	return nil, fmt.Errorf("probe: %w", context.DeadlineExceeded)
}

func readAndValidate(ctx context.Context, conn *net.UDPConn, requestID uint32) bool {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false
	}

	buf := make([]byte, frameSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return false
		}
		if n != frameSize {
			continue
		}
		if binary.BigEndian.Uint32(buf[offsetMsgType:]) != msgTypeResp {
			continue
		}
		if binary.BigEndian.Uint32(buf[offsetRequestID:]) != requestID {
			continue
		}
		return true
	}
}

// randomRequestID draws a 32-bit request id from the cryptographic RNG.
func randomRequestID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// buildChallenge constructs the 88-byte challenge frame described in spec
// §4.6, all multi-byte integers big-endian.
func buildChallenge(localHashedID, peerHashedID [20]byte, sidLocal, sidConsole uint16, requestID uint32) []byte {
	frame := make([]byte, frameSize)
	binary.BigEndian.PutUint32(frame[offsetMsgType:], msgTypeReq)
	copy(frame[offsetLocalHash:offsetLocalHash+20], localHashedID[:])
	copy(frame[offsetPeerHash:offsetPeerHash+20], peerHashedID[:])
	binary.BigEndian.PutUint16(frame[offsetSIDLocal:], sidLocal)
	binary.BigEndian.PutUint16(frame[offsetSIDConsole:], sidConsole)
	binary.BigEndian.PutUint32(frame[offsetRequestID:], requestID)
	return frame
}
