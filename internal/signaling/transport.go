// Package signaling implements the vendor REST session endpoints consumed by
// the hole-punching state machine: device listing, session creation/start,
// and session-message relay. It corresponds to component (A) "Signaling
// Transport" in the protocol design.
package signaling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// HTTPError is returned by doJSON when the vendor service responds with a
// non-2xx status code (spec §4.1: "non-2xx HTTP" is its own failure
// condition, distinct from a network error or a malformed body).
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// ErrMalformedResponse is wrapped into every error produced when a 2xx
// response body is present but missing or ill-typed a required field (spec
// §4.1: "malformed JSON" / "missing fields" are each their own failure
// condition). Callers match it with errors.Is.
var ErrMalformedResponse = errors.New("signaling: malformed response")

// Family identifies the console platform family used to scope device
// listings and session negotiation.
type Family string

const (
	FamilyPS4 Family = "PS4"
	FamilyPS5 Family = "PS5"
)

// DeviceInfo is a single entry returned by ListDevices.
type DeviceInfo struct {
	DUID       [32]byte
	Name       string
	RemotePlay bool
}

// Client issues authorized HTTP requests against the vendor signaling REST
// service. All requests share one http.Client (and its connection pool); no
// retry happens at this layer (spec §4.1: "No retry at this layer").
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a signaling Client against baseURL, authorizing every
// request with the given bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type deviceListResponse struct {
	Devices []struct {
		DUID            string   `json:"duid"`
		Name            string   `json:"name"`
		EnabledFeatures []string `json:"enabledFeatures"`
	} `json:"devices"`
}

// ListDevices fetches the caller's registered consoles of the given family
// via GET /users/me/clients?platform={PS4|PS5}.
func (c *Client) ListDevices(ctx context.Context, family Family) ([]DeviceInfo, error) {
	url := fmt.Sprintf("%s/users/me/clients?platform=%s", c.baseURL, family)

	body, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("list_devices: %w", err)
	}

	var resp deviceListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("list_devices: parsing response: %v: %w", err, ErrMalformedResponse)
	}

	out := make([]DeviceInfo, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		raw, err := hex.DecodeString(d.DUID)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("list_devices: malformed duid %q: %w", d.DUID, ErrMalformedResponse)
		}
		var info DeviceInfo
		copy(info.DUID[:], raw)
		info.Name = d.Name
		for _, feat := range d.EnabledFeatures {
			if feat == "remotePlay" {
				info.RemotePlay = true
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// CreateSessionRequest carries the parameters needed to POST a session
// creation template.
type CreateSessionRequest struct {
	PushContextID string
}

// CreateSessionResult holds the fields populated by a successful create call.
type CreateSessionResult struct {
	SessionID string
	AccountID int64
}

// CreateSession posts the session creation template and parses the returned
// session id and account id.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error) {
	url := fmt.Sprintf("%s/remotePlaySessions", c.baseURL)

	payload := map[string]interface{}{
		"pushContextId": req.PushContextID,
	}
	body, err := c.doJSON(ctx, http.MethodPost, url, payload)
	if err != nil {
		return CreateSessionResult{}, fmt.Errorf("create_session: %w", err)
	}

	var resp struct {
		RemotePlaySessions []struct {
			SessionID string `json:"sessionId"`
		} `json:"remotePlaySessions"`
		Members []struct {
			AccountID json.Number `json:"accountId"`
		} `json:"members"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return CreateSessionResult{}, fmt.Errorf("create_session: parsing response: %v: %w", err, ErrMalformedResponse)
	}
	if len(resp.RemotePlaySessions) == 0 || len(resp.RemotePlaySessions[0].SessionID) != 36 {
		return CreateSessionResult{}, fmt.Errorf("create_session: missing or malformed sessionId: %w", ErrMalformedResponse)
	}
	if len(resp.Members) == 0 {
		return CreateSessionResult{}, fmt.Errorf("create_session: missing members[0]: %w", ErrMalformedResponse)
	}

	accountID, err := resp.Members[0].AccountID.Int64()
	if err != nil {
		return CreateSessionResult{}, fmt.Errorf("create_session: malformed accountId: %v: %w", err, ErrMalformedResponse)
	}

	return CreateSessionResult{
		SessionID: resp.RemotePlaySessions[0].SessionID,
		AccountID: accountID,
	}, nil
}

// StartSessionRequest carries the parameters embedded in the start envelope.
type StartSessionRequest struct {
	SessionID   string
	AccountID   int64
	ConsoleUID  [32]byte
	Family      Family
	Data1       [16]byte
	Data2       [16]byte
}

// StartSession posts the start envelope for the console to join.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) error {
	url := fmt.Sprintf("%s/remotePlaySessions/%s/start", c.baseURL, req.SessionID)

	inner := map[string]interface{}{
		"accountId":  strconv.FormatInt(req.AccountID, 10),
		"sessionId":  req.SessionID,
		"data1":      encodeB64(req.Data1[:]),
		"data2":      encodeB64(req.Data2[:]),
		"clientType": "Windows",
	}
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return fmt.Errorf("start_session: marshalling inner payload: %w", err)
	}

	payload := map[string]interface{}{
		"consoleUid": hex.EncodeToString(req.ConsoleUID[:]),
		"platform":   string(req.Family),
		"data":       string(innerJSON),
	}

	if _, err := c.doJSON(ctx, http.MethodPost, url, payload); err != nil {
		return fmt.Errorf("start_session: %w", err)
	}
	return nil
}

// SendSessionMessage posts a pre-serialized session-message envelope body to
// the session's sessionMessage endpoint.
func (c *Client) SendSessionMessage(ctx context.Context, sessionID string, envelopePayload string) error {
	url := fmt.Sprintf("%s/remotePlaySessions/%s/sessionMessage", c.baseURL, sessionID)

	payload := map[string]interface{}{
		"payload": envelopePayload,
	}
	if _, err := c.doJSON(ctx, http.MethodPost, url, payload); err != nil {
		return fmt.Errorf("send_session_message: %w", err)
	}
	return nil
}

// PushContextURL resolves the push-notification FQDN via a preparatory GET
// and returns the full wss:// URL for the push stream (spec §4.2).
func (c *Client) PushContextURL(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/np/serveraddr?version=2.1&fields=keepAliveStatus&keepAliveStatusType=3", c.baseURL)

	body, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("push_context_url: %w", err)
	}

	var resp struct {
		FQDN string `json:"fqdn"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.FQDN == "" {
		return "", fmt.Errorf("push_context_url: missing fqdn in response: %w", ErrMalformedResponse)
	}

	return fmt.Sprintf("wss://%s/np/pushNotification", resp.FQDN), nil
}

// doJSON performs an authorized HTTP request, optionally marshalling body as
// the JSON request payload, and returns the raw response body on a 2xx
// status.
func (c *Client) doJSON(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}
