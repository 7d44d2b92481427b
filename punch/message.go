package punch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CandidateType identifies how a Candidate was produced.
type CandidateType int

const (
	CandidateLocal CandidateType = iota
	CandidateStatic
)

func (t CandidateType) String() string {
	if t == CandidateStatic {
		return "STATIC"
	}
	return "LOCAL"
}

// Candidate is a single (address, port, mapped-address, mapped-port) tuple
// advertising one IPv4 reachability path for a peer. Immutable after
// construction.
type Candidate struct {
	Type        CandidateType
	Addr        string
	Port        uint16
	MappedAddr  string
	MappedPort  uint16
}

// candidateWire is the JSON shape of a single candidate inside a
// ConnectionRequest's "candidates" array.
type candidateWire struct {
	Type       string `json:"type"`
	Addr       string `json:"addr"`
	Port       uint16 `json:"port"`
	MappedAddr string `json:"mappedAddr"`
	MappedPort uint16 `json:"mappedPort"`
}

func (c Candidate) toWire() candidateWire {
	return candidateWire{
		Type:       c.Type.String(),
		Addr:       c.Addr,
		Port:       c.Port,
		MappedAddr: c.MappedAddr,
		MappedPort: c.MappedPort,
	}
}

func (w candidateWire) toCandidate() (Candidate, error) {
	var t CandidateType
	switch w.Type {
	case "STATIC":
		t = CandidateStatic
	case "LOCAL", "":
		t = CandidateLocal
	default:
		return Candidate{}, fmt.Errorf("unknown candidate type %q", w.Type)
	}
	return Candidate{
		Type:       t,
		Addr:       w.Addr,
		Port:       w.Port,
		MappedAddr: w.MappedAddr,
		MappedPort: w.MappedPort,
	}, nil
}

// Action identifies the kind of SessionMessage exchanged between peers via
// the signaling service.
type Action int

const (
	ActionUnknown Action = iota
	ActionOffer
	ActionResult
	ActionAccept
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionOffer:
		return "OFFER"
	case ActionResult:
		return "RESULT"
	case ActionAccept:
		return "ACCEPT"
	case ActionTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

func parseAction(s string) Action {
	switch s {
	case "OFFER":
		return ActionOffer
	case "RESULT":
		return ActionResult
	case "ACCEPT":
		return ActionAccept
	case "TERMINATE":
		return ActionTerminate
	default:
		return ActionUnknown
	}
}

// ConnectionRequest carries the candidate set and session-binding identifiers
// exchanged in an OFFER or ACCEPT SessionMessage. RESULT messages carry an
// empty ConnectionRequest (zero candidates).
type ConnectionRequest struct {
	SID              uint32
	PeerSID          uint32
	SKey             [16]byte
	NATType          int
	Candidates       []Candidate
	DefaultRouteMAC  [6]byte
	LocalHashedID    [20]byte
}

// SessionMessage is a structured payload exchanged between peers via the
// signaling service to negotiate UDP reachability.
type SessionMessage struct {
	Action     Action
	ReqID      uint16
	Error      uint16
	ConnReq    ConnectionRequest
	HasConnReq bool
}

// connRequestWire is the JSON shape of a non-empty connRequest object.
type connRequestWire struct {
	SID                 uint32          `json:"sid"`
	PeerSID             uint32          `json:"peerSid"`
	SKey                string          `json:"skey"`
	NATType             int             `json:"natType"`
	Candidates          []candidateWire `json:"candidates"`
	DefaultRouteMacAddr string          `json:"defaultRouteMacAddr"`
	LocalHashedID       string          `json:"localHashedId"`
	LocalPeerAddr       json.RawMessage `json:"localPeerAddr"`
}

// sessionMessageWire is the JSON shape of the inner message carried inside
// the "body=" segment of the outer envelope (spec §4.1/§4.4).
type sessionMessageWire struct {
	Action      string           `json:"action"`
	ReqID       uint16           `json:"reqId"`
	Error       uint16           `json:"error"`
	ConnRequest *connRequestWire `json:"connRequest,omitempty"`
}

// EncodeSessionMessage serializes a SessionMessage to the exact JSON text the
// peer expects, byte-reproducing the known non-conformances documented in
// §4.4: the outbound encoder always emits a concrete connRequest object when
// HasConnReq is set — even an all-zero one, as RESULT acknowledgements do —
// and omits the field entirely otherwise. Every emitted connRequest carries a
// concrete, empty "localPeerAddr":{} object: the peer expects the field to be
// present, and the value carries no semantics of its own (§9). The encoder
// never emits the malformed "localPeerAddr":, shorthand; that shorthand is
// only something the decoder must tolerate on input.
func EncodeSessionMessage(msg SessionMessage) ([]byte, error) {
	wire := sessionMessageWire{
		Action: msg.Action.String(),
		ReqID:  msg.ReqID,
		Error:  msg.Error,
	}

	if msg.HasConnReq {
		cr := msg.ConnReq
		candidates := make([]candidateWire, len(cr.Candidates))
		for i, c := range cr.Candidates {
			candidates[i] = c.toWire()
		}
		wire.ConnRequest = &connRequestWire{
			SID:                 cr.SID,
			PeerSID:             cr.PeerSID,
			SKey:                base64.StdEncoding.EncodeToString(cr.SKey[:]),
			NATType:             cr.NATType,
			Candidates:          candidates,
			DefaultRouteMacAddr: formatMAC(cr.DefaultRouteMAC),
			LocalHashedID:       base64.StdEncoding.EncodeToString(cr.LocalHashedID[:]),
			LocalPeerAddr:       json.RawMessage("{}"),
		}
	}

	return json.Marshal(wire)
}

// DecodeSessionMessage parses the inner JSON payload of a session message,
// tolerating the peer's "localPeerAddr":, malformation by inserting {} before
// parsing (spec §4.4).
func DecodeSessionMessage(raw []byte) (SessionMessage, error) {
	fixed := patchLocalPeerAddr(raw)

	var wire sessionMessageWire
	if err := json.Unmarshal(fixed, &wire); err != nil {
		return SessionMessage{}, wrapErr("decode_session_message", ErrSchema, err)
	}

	msg := SessionMessage{
		Action: parseAction(wire.Action),
		ReqID:  wire.ReqID,
		Error:  wire.Error,
	}

	if wire.ConnRequest != nil {
		cr, err := decodeConnRequest(*wire.ConnRequest)
		if err != nil {
			return SessionMessage{}, err
		}
		msg.ConnReq = cr
		msg.HasConnReq = true
	}

	return msg, nil
}

func decodeConnRequest(w connRequestWire) (ConnectionRequest, error) {
	var cr ConnectionRequest
	cr.SID = w.SID
	cr.PeerSID = w.PeerSID
	cr.NATType = w.NATType

	if w.SKey != "" {
		skey, err := base64.StdEncoding.DecodeString(w.SKey)
		if err != nil || len(skey) != 16 {
			return cr, wrapErr("decode_conn_request", ErrSchema, fmt.Errorf("invalid skey"))
		}
		copy(cr.SKey[:], skey)
	}

	if w.LocalHashedID != "" {
		hid, err := base64.StdEncoding.DecodeString(w.LocalHashedID)
		if err != nil || len(hid) != 20 {
			return cr, wrapErr("decode_conn_request", ErrSchema, fmt.Errorf("invalid localHashedId"))
		}
		copy(cr.LocalHashedID[:], hid)
	}

	if w.DefaultRouteMacAddr != "" {
		mac, err := parseMAC(w.DefaultRouteMacAddr)
		if err != nil {
			return cr, wrapErr("decode_conn_request", ErrSchema, err)
		}
		cr.DefaultRouteMAC = mac
	}

	cr.Candidates = make([]Candidate, len(w.Candidates))
	for i, cw := range w.Candidates {
		c, err := cw.toCandidate()
		if err != nil {
			return cr, wrapErr("decode_conn_request", ErrSchema, err)
		}
		cr.Candidates[i] = c
	}

	return cr, nil
}

// patchLocalPeerAddr inserts {} after a bare `"localPeerAddr":` that is not
// followed by a value (i.e. immediately followed by a comma or closing
// brace), matching the peer's documented non-conformance.
func patchLocalPeerAddr(raw []byte) []byte {
	const needle = `"localPeerAddr":`
	s := string(raw)
	idx := strings.Index(s, needle)
	if idx < 0 {
		return raw
	}
	after := idx + len(needle)
	if after >= len(s) {
		return raw
	}
	next := s[after]
	if next == ',' || next == '}' {
		return []byte(s[:after] + "{}" + s[after:])
	}
	return raw
}

// formatMAC renders a 6-byte MAC as six colon-separated lowercase hex bytes.
func formatMAC(mac [6]byte) string {
	parts := make([]string, 6)
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// parseMAC splits a colon-separated hex MAC string into 6 bytes.
func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("malformed MAC address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("malformed MAC byte %q: %w", p, err)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

// extractEnvelopeBody locates the literal "body=" marker inside a decoded
// outer "payload" string and returns everything after it (spec §4.4: "locate
// the literal body= substring, take everything after it").
func extractEnvelopeBody(payload string) (string, bool) {
	const marker = "body="
	idx := strings.Index(payload, marker)
	if idx < 0 {
		return "", false
	}
	return payload[idx+len(marker):], true
}

// buildEnvelopePayload wraps an already-serialized SessionMessage JSON body
// in the "ver=1.0, type=text, body=..." envelope format (spec §4.1).
func buildEnvelopePayload(body []byte) string {
	return "ver=1.0, type=text, body=" + string(body)
}

// decodeDoubleBase64 decodes a value that has been base64-encoded twice, as
// customData1 is on the wire (spec §4.4).
func decodeDoubleBase64(s string) ([16]byte, error) {
	var out [16]byte
	once, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, wrapErr("decode_custom_data1", ErrSchema, err)
	}
	twice, err := base64.StdEncoding.DecodeString(string(once))
	if err != nil {
		return out, wrapErr("decode_custom_data1", ErrSchema, err)
	}
	if len(twice) != 16 {
		return out, wrapErr("decode_custom_data1", ErrSchema, fmt.Errorf("customData1 decoded to %d bytes, want 16", len(twice)))
	}
	copy(out[:], twice)
	return out, nil
}
