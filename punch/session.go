package punch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/nvidia/nvremote/punchcore/internal/discovery"
	"github.com/nvidia/nvremote/punchcore/internal/prober"
	"github.com/nvidia/nvremote/punchcore/internal/push"
	"github.com/nvidia/nvremote/punchcore/internal/signaling"
)

const (
	defaultBaseURL = "https://remoteplay.np.community.playstation.net"

	createSessionTimeout = 30 * time.Second
	startSessionTimeout  = 30 * time.Second
	ackTimeout           = 30 * time.Second
	probeTimeout         = 30 * time.Second
)

// Channel identifies which of the two UDP channels punch_hole negotiates.
type Channel int

const (
	ChannelCtrl Channel = iota
	ChannelData
)

func (c Channel) String() string {
	if c == ChannelData {
		return "DATA"
	}
	return "CTRL"
}

// Session is the top-level hole-punching context (spec §3). Create one with
// NewSession, drive it through Create -> Start -> PunchHole(CTRL) ->
// PunchHole(DATA), and release it with Close.
type Session struct {
	logger *slog.Logger
	client *signaling.Client

	token string

	stunServers []string

	// Identifiers established over the session's lifetime.
	consoleUID [32]byte
	family     signaling.Family

	sessionID     string
	pushContextID string
	accountID     int64

	localSID      uint32
	peerSID       uint32
	localHashedID [20]byte
	peerHashedID  [20]byte
	data1         [16]byte
	data2         [16]byte
	customData1   [16]byte

	state         *stateTracker
	notifications *notificationQueue
	notifCursor   int

	stream     *push.Stream
	discoverer *discovery.Discoverer
}

// NewSession initializes a Session bound to token, ready for Create. baseURL
// overrides the default vendor REST endpoint; pass "" to use it. stunServers
// are used as the address-discovery fallback (spec §4.3).
func NewSession(token string, baseURL string, stunServers []string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	s := &Session{
		logger:        logger,
		client:        signaling.NewClient(baseURL, token),
		token:         token,
		stunServers:   stunServers,
		state:         newStateTracker(),
		notifications: newNotificationQueue(),
		discoverer:    discovery.NewDiscoverer(stunServers),
	}
	s.state.Set(StateInit)

	sid, err := randomUint32()
	if err != nil {
		return nil, wrapErr("session_init", ErrCrypto, err)
	}
	s.localSID = sid

	if err := randomBytes(s.localHashedID[:]); err != nil {
		return nil, wrapErr("session_init", ErrCrypto, err)
	}
	if err := randomBytes(s.data1[:]); err != nil {
		return nil, wrapErr("session_init", ErrCrypto, err)
	}
	if err := randomBytes(s.data2[:]); err != nil {
		return nil, wrapErr("session_init", ErrCrypto, err)
	}

	return s, nil
}

// Create starts the push worker and the signaling create_session call (spec
// §4.5 phase 1: create_session).
func (s *Session) Create(ctx context.Context) error {
	pushCtxID, err := uuid.NewRandom()
	if err != nil {
		return wrapErr("create_session", ErrCrypto, err)
	}
	s.pushContextID = pushCtxID.String()

	wsURL, err := s.client.PushContextURL(ctx)
	if err != nil {
		return wrapTransportErr("create_session", err)
	}

	stream, err := push.Connect(ctx, wsURL, s.token,
		func() {
			s.state.Set(StateWSOpen)
			s.logger.Info("push stream open")
		},
		s.onPushFrame,
	)
	if err != nil {
		return wrapErr("create_session", ErrNetwork, err)
	}
	s.stream = stream

	waitCtx, cancel := context.WithTimeout(ctx, createSessionTimeout)
	defer cancel()
	if err := s.state.WaitFor(waitCtx, StateWSOpen); err != nil {
		s.stopWorker()
		return wrapErr("create_session", ErrTimeout, err)
	}

	result, err := s.client.CreateSession(ctx, signaling.CreateSessionRequest{PushContextID: s.pushContextID})
	if err != nil {
		s.stopWorker()
		return wrapTransportErr("create_session", err)
	}
	s.sessionID = result.SessionID
	s.accountID = result.AccountID

	awaitCtx, cancel2 := context.WithTimeout(ctx, createSessionTimeout)
	defer cancel2()
	if err := s.awaitKinds(awaitCtx, NotificationSessionCreated, NotificationMemberCreated); err != nil {
		s.stopWorker()
		return wrapErr("create_session", ErrTimeout, err)
	}

	s.state.Set(StateCreated | StateClientJoined)
	s.logger.Info("session created", "sessionId", s.sessionID)
	return nil
}

// Start joins the console into the session (spec §4.5 phase 2: start_session).
func (s *Session) Start(ctx context.Context, consoleUID [32]byte, family signaling.Family) error {
	if !s.state.Has(StateCreated) || s.state.Has(StateStarted) {
		return wrapErr("start_session", ErrUninitialized, nil)
	}

	s.consoleUID = consoleUID
	s.family = family

	err := s.client.StartSession(ctx, signaling.StartSessionRequest{
		SessionID:  s.sessionID,
		AccountID:  s.accountID,
		ConsoleUID: consoleUID,
		Family:     family,
		Data1:      s.data1,
		Data2:      s.data2,
	})
	if err != nil {
		return wrapTransportErr("start_session", err)
	}
	s.state.Set(StateStarted)

	consoleHex := fmt.Sprintf("%x", consoleUID[:])

	awaitCtx, cancel := context.WithTimeout(ctx, startSessionTimeout)
	defer cancel()

	need := map[NotificationKind]bool{
		NotificationMemberCreated:       true,
		NotificationCustomData1Updated: true,
	}
	for len(need) > 0 {
		n, next, err := s.notifications.WaitForMatch(awaitCtx, s.notifCursor, func(n Notification) bool {
			if !need[n.Kind] {
				return false
			}
			env, perr := parseEnvelope(n.Raw)
			if perr != nil {
				return false
			}
			switch n.Kind {
			case NotificationMemberCreated:
				uid, ok := memberDeviceUID(env.Body.Data)
				return ok && uid == consoleHex
			case NotificationCustomData1Updated:
				return true
			default:
				return false
			}
		})
		if err != nil {
			return wrapErr("start_session", ErrTimeout, err)
		}
		s.notifCursor = next

		env, _ := parseEnvelope(n.Raw)
		if n.Kind == NotificationCustomData1Updated {
			raw, ok := customData1Payload(env.Body.Data)
			if !ok {
				return wrapErr("start_session", ErrSchema, fmt.Errorf("missing customData1"))
			}
			cd, err := decodeDoubleBase64(raw)
			if err != nil {
				return err
			}
			s.customData1 = cd
			s.state.Set(StateCustomData1Received)
		} else {
			s.state.Set(StateConsoleJoined)
		}
		delete(need, n.Kind)
	}

	s.logger.Info("console joined", "consoleUid", consoleHex)
	return nil
}

// PunchHole negotiates one UDP channel end to end (spec §4.5 phase 3:
// punch_hole) and returns the probed, connected socket.
func (s *Session) PunchHole(ctx context.Context, channel Channel) (*net.UDPConn, error) {
	if channel == ChannelCtrl {
		if !s.state.Has(StateCustomData1Received) {
			return nil, wrapErr("punch_hole", ErrUninitialized, nil)
		}
	} else {
		if !s.state.Has(StateCtrlEstablished) {
			return nil, wrapErr("punch_hole", ErrUninitialized, nil)
		}
	}

	offerReceivedBit, offerSentBit, consoleAcceptedBit, clientAcceptedBit, establishedBit := channelBits(channel)

	// 1. Await the peer's OFFER.
	awaitCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	n, next, err := s.notifications.WaitForMatch(awaitCtx, s.notifCursor, func(n Notification) bool {
		if n.Kind != NotificationSessionMessageCreated {
			return false
		}
		env, perr := parseEnvelope(n.Raw)
		if perr != nil {
			return false
		}
		msg, ok := decodeSessionMessageNotification(env)
		return ok && msg.Action == ActionOffer
	})
	cancel()
	if err != nil {
		return nil, wrapErr("punch_hole", ErrTimeout, err)
	}
	s.notifCursor = next

	env, _ := parseEnvelope(n.Raw)
	offer, _ := decodeSessionMessageNotification(env)

	s.peerHashedID = offer.ConnReq.LocalHashedID
	s.peerSID = offer.ConnReq.SID
	s.state.Set(offerReceivedBit)
	s.logger.Info("offer received", "channel", channel, "reqId", offer.ReqID)

	// 2. Immediately ack with an empty RESULT.
	if err := s.sendResult(ctx, offer.ReqID); err != nil {
		return nil, wrapTransportErr("punch_hole", err)
	}

	// 3. Build and send our own OFFER.
	localConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, wrapErr("punch_hole", ErrNetwork, err)
	}
	localPort := uint16(localConn.LocalAddr().(*net.UDPAddr).Port)
	localConn.Close() // the port is reused by the prober's own sockets below

	localCandidate, err := discovery.LocalCandidate(localPort)
	if err != nil {
		return nil, wrapErr("punch_hole", ErrNetwork, err)
	}
	staticCandidate, err := s.discoverer.StaticCandidate(ctx, localCandidate.Addr, localPort)
	if err != nil {
		return nil, wrapErr("punch_hole", ErrNetwork, err)
	}

	mac, _ := discovery.DefaultRouteMAC()

	ourOffer := ConnectionRequest{
		SID:             s.localSID,
		PeerSID:         s.peerSID,
		NATType:         2,
		Candidates:      []Candidate{toCandidate(localCandidate), toCandidate(staticCandidate)},
		DefaultRouteMAC: mac,
		LocalHashedID:   s.localHashedID,
	}
	const offerReqID = 1
	if err := s.sendSessionMessage(ctx, ActionOffer, offerReqID, ourOffer, true); err != nil {
		return nil, wrapTransportErr("punch_hole", err)
	}
	s.state.Set(offerSentBit)

	// 4. Await the matching RESULT.
	resultCtx, cancel2 := context.WithTimeout(ctx, ackTimeout)
	_, next2, err := s.notifications.WaitForMatch(resultCtx, s.notifCursor, func(n Notification) bool {
		if n.Kind != NotificationSessionMessageCreated {
			return false
		}
		env, perr := parseEnvelope(n.Raw)
		if perr != nil {
			return false
		}
		msg, ok := decodeSessionMessageNotification(env)
		return ok && msg.Action == ActionResult && msg.ReqID == offerReqID
	})
	cancel2()
	if err != nil {
		return nil, wrapErr("punch_hole", ErrTimeout, err)
	}
	s.notifCursor = next2
	s.state.Set(consoleAcceptedBit)

	// 5. Probe peer candidates.
	peerCandidates := make([]prober.Candidate, 0, len(offer.ConnReq.Candidates))
	for _, c := range offer.ConnReq.Candidates {
		addr, port := c.Addr, c.Port
		if c.Type == CandidateStatic && c.MappedAddr != "" {
			addr, port = c.MappedAddr, c.MappedPort
		}
		peerCandidates = append(peerCandidates, prober.Candidate{
			Local: c.Type == CandidateLocal,
			Addr:  addr,
			Port:  port,
		})
	}

	probeCtx, cancel3 := context.WithTimeout(ctx, probeTimeout)
	result, err := prober.Probe(probeCtx, s.localHashedID, s.peerHashedID, uint16(s.localSID), uint16(s.peerSID), peerCandidates, probeTimeout)
	cancel3()
	if err != nil {
		return nil, wrapErr("punch_hole", ErrTimeout, err)
	}

	selectedCandidate := Candidate{Type: CandidateStatic, Addr: result.Selected.Addr, Port: result.Selected.Port}
	natType := 2
	if result.Selected.Local {
		selectedCandidate.Type = CandidateLocal
		natType = 0
	}

	const acceptReqID = 2
	accept := ConnectionRequest{
		SID:        s.localSID,
		PeerSID:    s.peerSID,
		NATType:    natType,
		Candidates: []Candidate{selectedCandidate},
	}
	if err := s.sendSessionMessage(ctx, ActionAccept, acceptReqID, accept, true); err != nil {
		result.Conn.Close()
		return nil, wrapTransportErr("punch_hole", err)
	}
	s.state.Set(clientAcceptedBit)

	// 6. Await the peer's ACCEPT.
	acceptCtx, cancel4 := context.WithTimeout(ctx, ackTimeout)
	_, next3, err := s.notifications.WaitForMatch(acceptCtx, s.notifCursor, func(n Notification) bool {
		if n.Kind != NotificationSessionMessageCreated {
			return false
		}
		env, perr := parseEnvelope(n.Raw)
		if perr != nil {
			return false
		}
		msg, ok := decodeSessionMessageNotification(env)
		return ok && msg.Action == ActionAccept
	})
	cancel4()
	if err != nil {
		result.Conn.Close()
		return nil, wrapErr("punch_hole", ErrTimeout, err)
	}
	s.notifCursor = next3

	s.state.Set(establishedBit)
	s.logger.Info("channel established", "channel", channel, "selected", selectedCandidate.Type)

	return result.Conn, nil
}

// State returns a snapshot of the session's monotonic progress bitfield, for
// callers and tests that want to observe phase completion without reaching
// into the session's internals (spec §8 "Monotonicity").
func (s *Session) State() StateFlags {
	return s.state.Snapshot()
}

// Close stops the push worker, removes UPnP mappings, and releases resources
// (spec "session_fini").
func (s *Session) Close() {
	s.stopWorker()
	if s.discoverer != nil {
		s.discoverer.Close()
	}
}

func (s *Session) stopWorker() {
	if s.stream != nil {
		stats := s.stream.Stats()
		s.logger.Debug("push stream stats", "pingsSent", stats.PingsSent, "pongsSeen", stats.PongsSeen, "lastPongAge", stats.LastPongAge)
		s.stream.Close()
	}
}

// onPushFrame classifies an inbound push frame, performs the opportunistic
// auto-ack, and enqueues the notification for observers (spec §4.2).
func (s *Session) onPushFrame(f push.Frame) {
	env, err := parseEnvelope(f.Data)
	if err != nil {
		s.logger.Warn("push frame: invalid json", "error", err)
		return
	}
	kind := ClassifyNotification(env.DataType)

	if kind == NotificationSessionMessageCreated {
		if msg, ok := decodeSessionMessageNotification(env); ok && msg.Action == ActionOffer {
			ctrlWindow := s.state.Has(StateCtrlOfferReceived) && !s.state.Has(StateCtrlEstablished)
			dataWindow := s.state.Has(StateDataOfferReceived)
			if ctrlWindow || dataWindow {
				if err := s.sendResult(context.Background(), msg.ReqID); err != nil {
					s.logger.Warn("auto-ack failed", "reqId", msg.ReqID, "error", err)
				}
			}
		}
	}

	s.notifications.push(Notification{Kind: kind, Parsed: json.RawMessage(f.Data), Raw: f.Data})
}

func (s *Session) awaitKinds(ctx context.Context, kinds ...NotificationKind) error {
	need := make(map[NotificationKind]bool, len(kinds))
	for _, k := range kinds {
		need[k] = true
	}
	for len(need) > 0 {
		n, next, err := s.notifications.WaitForMatch(ctx, s.notifCursor, func(n Notification) bool {
			return need[n.Kind]
		})
		if err != nil {
			return err
		}
		s.notifCursor = next
		delete(need, n.Kind)
	}
	return nil
}

// sendResult sends an empty-connRequest RESULT acknowledging reqID (spec
// §4.4: "RESULT messages carry an empty ConnectionRequest").
func (s *Session) sendResult(ctx context.Context, reqID uint16) error {
	return s.sendSessionMessage(ctx, ActionResult, reqID, ConnectionRequest{}, true)
}

func (s *Session) sendSessionMessage(ctx context.Context, action Action, reqID uint16, cr ConnectionRequest, hasConnReq bool) error {
	body, err := EncodeSessionMessage(SessionMessage{Action: action, ReqID: reqID, ConnReq: cr, HasConnReq: hasConnReq})
	if err != nil {
		return err
	}
	payload := buildEnvelopePayload(body)
	return s.client.SendSessionMessage(ctx, s.sessionID, payload)
}

func channelBits(channel Channel) (offerReceived, offerSent, consoleAccepted, clientAccepted, established StateFlags) {
	if channel == ChannelData {
		return StateDataOfferReceived, StateDataOfferSent, StateDataConsoleAccepted, StateDataClientAccepted, StateDataEstablished
	}
	return StateCtrlOfferReceived, StateCtrlOfferSent, StateCtrlConsoleAccepted, StateCtrlClientAccepted, StateCtrlEstablished
}

func toCandidate(c discovery.Candidate) Candidate {
	t := CandidateStatic
	if c.Local {
		t = CandidateLocal
	}
	return Candidate{
		Type:       t,
		Addr:       c.Addr,
		Port:       c.Port,
		MappedAddr: c.MappedAddr,
		MappedPort: c.MappedPort,
	}
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func randomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}
