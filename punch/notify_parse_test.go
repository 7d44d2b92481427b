package punch

import "testing"

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"dataType":"psn:sessionManager:sessionMemberCreated","body":{"data":{"members":[{"deviceUniqueId":"abc123"}]}}}`)

	env, err := parseEnvelope(raw)
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if env.DataType != "psn:sessionManager:sessionMemberCreated" {
		t.Fatalf("unexpected dataType: %s", env.DataType)
	}

	uid, ok := memberDeviceUID(env.Body.Data)
	if !ok || uid != "abc123" {
		t.Fatalf("memberDeviceUID = %q, %v", uid, ok)
	}
}

func TestMemberDeviceUIDMissing(t *testing.T) {
	if _, ok := memberDeviceUID([]byte(`{"members":[]}`)); ok {
		t.Fatal("expected ok=false for empty members")
	}
}

func TestCustomData1Payload(t *testing.T) {
	data := []byte(`{"customData1":"c29tZS1wYXlsb2Fk"}`)
	got, ok := customData1Payload(data)
	if !ok || got != "c29tZS1wYXlsb2Fk" {
		t.Fatalf("customData1Payload = %q, %v", got, ok)
	}

	if _, ok := customData1Payload([]byte(`{}`)); ok {
		t.Fatal("expected ok=false when customData1 absent")
	}
}

func TestDecodeSessionMessageNotification(t *testing.T) {
	inner := `{"action":"OFFER","reqId":7,"connRequest":{"sid":1,"peerSid":2,"candidates":[]}}`
	payload := "ver=1.0, type=text, body=" + inner
	env := notificationEnvelope{DataType: "psn:sessionManager:sessionMessageCreated"}
	env.Body.Data = []byte(`{"payload":"` + jsonEscape(payload) + `"}`)

	msg, ok := decodeSessionMessageNotification(env)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if msg.Action != ActionOffer || msg.ReqID != 7 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeSessionMessageNotificationMissingPayload(t *testing.T) {
	env := notificationEnvelope{}
	env.Body.Data = []byte(`{}`)

	if _, ok := decodeSessionMessageNotification(env); ok {
		t.Fatal("expected ok=false when payload is missing")
	}
}

// jsonEscape escapes a string for embedding inside a hand-built JSON string
// literal in tests.
func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
