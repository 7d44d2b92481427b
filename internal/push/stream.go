// Package push maintains the long-lived authenticated WebSocket channel that
// carries session push notifications from the signaling service (component
// (B) "Notification Stream"). It owns the ping/pong keepalive loop and
// classifies/forwards frames to a caller-supplied callback; protocol
// semantics (auto-ack, notification enqueueing) live with the caller.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 5 * time.Second
	pongWait     = 5 * time.Second
	readWait     = 5 * time.Second

	// healthRingSize bounds the number of recent ping round-trip samples kept
	// for Stats(); this is an observability aid, not a correctness mechanism.
	healthRingSize = 16
)

// HealthStats is a snapshot of the push stream's own keepalive health,
// exposed so a caller can log or export it without the caller having to
// track ping/pong bookkeeping itself.
type HealthStats struct {
	PingsSent   int
	PongsSeen   int
	LastPongAge time.Duration
	// RoundTrips holds up to healthRingSize most recent observed PING->PONG
	// latencies, oldest first.
	RoundTrips []time.Duration
}

// healthRing is a small fixed-capacity ring buffer of ping round-trip
// samples, guarded by Stream.mu.
type healthRing struct {
	samples   [healthRingSize]time.Duration
	count     int
	next      int
	pingsSent int
	pongsSeen int
}

func (r *healthRing) recordPing() {
	r.pingsSent++
}

func (r *healthRing) recordRoundTrip(d time.Duration) {
	r.pongsSeen++
	r.samples[r.next] = d
	r.next = (r.next + 1) % healthRingSize
	if r.count < healthRingSize {
		r.count++
	}
}

func (r *healthRing) snapshot() (pingsSent, pongsSeen int, roundTrips []time.Duration) {
	roundTrips = make([]time.Duration, r.count)
	start := (r.next - r.count + healthRingSize) % healthRingSize
	for i := 0; i < r.count; i++ {
		roundTrips[i] = r.samples[(start+i)%healthRingSize]
	}
	return r.pingsSent, r.pongsSeen, roundTrips
}

// Frame is a single text/binary frame received on the push stream, handed to
// the caller's callback before any JSON interpretation.
type Frame struct {
	Data []byte
}

// Stream is a single authenticated push connection. At most one Stream
// should exist per session; it is the unique producer of Frame values for
// that session's notification queue.
type Stream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	lastPong time.Time
	health   healthRing
}

// Connect dials the push notification endpoint, sends the vendor-required
// headers, and starts the ping/read loop on a background goroutine. onFrame
// is invoked synchronously from the read loop for every text/binary frame;
// it must not block for long, since it delays the next PING/read deadline
// check.
//
// onOpen is invoked once the WebSocket handshake completes successfully,
// before the read loop starts — callers use it to set the WsOpen state bit.
func Connect(ctx context.Context, url, token string, onOpen func(), onFrame func(Frame)) (*Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Psn-App-Type", "REMOTE_PLAY")
	header.Set("X-Psn-Protocol-Version", "2.1")
	header.Set("X-Psn-Reconnection", "false")

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		Subprotocols:     []string{"np-pushpacket"},
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("push stream dial: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	s := &Stream{
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(readWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	if onOpen != nil {
		onOpen()
	}

	go s.pingLoop(streamCtx)
	go s.readLoop(streamCtx, onFrame)

	return s, nil
}

// pingLoop sends a PING frame every pingInterval and terminates the stream if
// a PONG is not observed within pongWait of the last PING (spec §4.2).
func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(pingInterval)); err != nil {
			slog.Warn("push stream: setting ping write deadline", "error", err)
			s.terminate()
			return
		}
		sent := time.Now()
		s.mu.Lock()
		s.health.recordPing()
		s.mu.Unlock()
		if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			slog.Warn("push stream: sending ping", "error", err)
			s.terminate()
			return
		}

		select {
		case <-time.After(pongWait):
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}

		s.mu.Lock()
		seen := s.lastPong.After(sent)
		age := time.Since(s.lastPong)
		if seen {
			s.health.recordRoundTrip(s.lastPong.Sub(sent))
		}
		s.mu.Unlock()
		if !seen {
			slog.Warn("push stream: pong timeout", "lastPongAge", age)
			s.terminate()
			return
		}
	}
}

// Stats returns a snapshot of the stream's keepalive health: how many PINGs
// have been sent, how many PONGs observed, the age of the last PONG, and up
// to healthRingSize recent PING round-trip latencies (spec §12 supplemented
// connection-health observability).
func (s *Stream) Stats() HealthStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	pings, pongs, roundTrips := s.health.snapshot()
	return HealthStats{
		PingsSent:   pings,
		PongsSeen:   pongs,
		LastPongAge: time.Since(s.lastPong),
		RoundTrips:  roundTrips,
	}
}

// readLoop reads frames with a 5-second deadline, replies to inbound PING
// with PONG, and forwards text/binary frames to onFrame.
func (s *Stream) readLoop(ctx context.Context, onFrame func(Frame)) {
	defer s.terminate()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			slog.Warn("push stream: setting read deadline", "error", err)
			return
		}

		// Control frames (PING/PONG/CLOSE) are intercepted by the gorilla
		// read path via the handlers set in Connect; ReadMessage only
		// surfaces data frames here, or an error on CLOSE.
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			slog.Warn("push stream: read failed", "error", err)
			return
		}

		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			if onFrame != nil {
				onFrame(Frame{Data: data})
			}
		}
	}
}

// terminate closes the underlying connection and unblocks both loop
// goroutines. Idempotent.
func (s *Stream) terminate() {
	s.once.Do(func() {
		stats := s.Stats()
		slog.Debug("push stream: terminating",
			"pingsSent", stats.PingsSent,
			"pongsSeen", stats.PongsSeen,
			"lastPongAge", stats.LastPongAge)
		close(s.done)
		s.conn.Close()
	})
}

// Close stops the push stream. It does not block for the goroutines to exit;
// they observe the closed connection on their next read/write and return
// promptly, bounded by the 5-second keepalive timers (spec §5
// "Cancellation").
func (s *Stream) Close() {
	s.cancel()
	s.terminate()
}
