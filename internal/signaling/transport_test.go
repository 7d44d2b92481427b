package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestListDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("missing bearer token: %s", r.Header.Get("Authorization"))
		}
		if !strings.Contains(r.URL.RawQuery, "platform=PS5") {
			t.Errorf("expected platform=PS5 in query, got %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"devices": []map[string]interface{}{
				{
					"duid":            strings.Repeat("ab", 32),
					"name":            "living room PS5",
					"enabledFeatures": []string{"remotePlay"},
				},
				{
					"duid":            strings.Repeat("cd", 32),
					"name":            "office PS5",
					"enabledFeatures": []string{},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	devices, err := c.ListDevices(context.Background(), FamilyPS5)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if !devices[0].RemotePlay || devices[1].RemotePlay {
		t.Fatalf("unexpected remotePlay flags: %+v", devices)
	}
	if devices[0].Name != "living room PS5" {
		t.Fatalf("unexpected name: %s", devices[0].Name)
	}
}

func TestListDevicesMalformedDUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"devices": []map[string]interface{}{
				{"duid": "not-hex", "name": "bad"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ListDevices(context.Background(), FamilyPS4)
	if err == nil {
		t.Fatal("expected error for malformed duid")
	}
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got: %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"remotePlaySessions": []map[string]interface{}{
				{"sessionId": strings.Repeat("a", 36)},
			},
			"members": []map[string]interface{}{
				{"accountId": "12345"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	result, err := c.CreateSession(context.Background(), CreateSessionRequest{PushContextID: "ctx-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if result.SessionID != strings.Repeat("a", 36) {
		t.Fatalf("unexpected session id: %s", result.SessionID)
	}
	if result.AccountID != 12345 {
		t.Fatalf("unexpected account id: %d", result.AccountID)
	}
}

func TestCreateSessionRejectsShortSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"remotePlaySessions": []map[string]interface{}{{"sessionId": "too-short"}},
			"members":            []map[string]interface{}{{"accountId": "1"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if _, err := c.CreateSession(context.Background(), CreateSessionRequest{}); err == nil {
		t.Fatal("expected error for short sessionId")
	}
}

func TestStartSession(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/start") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.StartSession(context.Background(), StartSessionRequest{
		SessionID:  strings.Repeat("s", 36),
		AccountID:  42,
		ConsoleUID: [32]byte{1, 2, 3},
		Family:     FamilyPS5,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if captured["platform"] != "PS5" {
		t.Fatalf("unexpected platform: %v", captured["platform"])
	}
	dataStr, ok := captured["data"].(string)
	if !ok || dataStr == "" {
		t.Fatalf("expected nested data JSON string, got %v", captured["data"])
	}
}

func TestSendSessionMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sessionMessage") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.SendSessionMessage(context.Background(), "sess-1", "ver=1.0, type=text, body={}"); err != nil {
		t.Fatalf("SendSessionMessage: %v", err)
	}
}

func TestPushContextURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"fqdn": "push.example.net"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	url, err := c.PushContextURL(context.Background())
	if err != nil {
		t.Fatalf("PushContextURL: %v", err)
	}
	want := "wss://push.example.net/np/pushNotification"
	if url != want {
		t.Fatalf("got %q, want %q", url, want)
	}
}

func TestDoJSONNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ListDevices(context.Background(), FamilyPS4)
	if err == nil {
		t.Fatal("expected error for non-2xx status")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got: %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status code: %d", httpErr.StatusCode)
	}
}
