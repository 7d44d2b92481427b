package punch

import "encoding/json"

// notificationEnvelope is the common wire shape of every push notification:
// a dataType discriminator and a nested data payload whose shape depends on
// dataType (spec §4.2, §4.5).
type notificationEnvelope struct {
	DataType string `json:"dataType"`
	Body     struct {
		Data json.RawMessage `json:"data"`
	} `json:"body"`
}

// parseEnvelope unmarshals the top-level notification envelope.
func parseEnvelope(raw []byte) (notificationEnvelope, error) {
	var env notificationEnvelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// memberDeviceUID extracts /body/data/members/0/deviceUniqueId from a
// MemberCreated notification's data payload.
func memberDeviceUID(data json.RawMessage) (string, bool) {
	var parsed struct {
		Members []struct {
			DeviceUniqueID string `json:"deviceUniqueId"`
		} `json:"members"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Members) == 0 {
		return "", false
	}
	return parsed.Members[0].DeviceUniqueID, true
}

// customData1Payload extracts /body/data/customData1 from a
// CustomData1Updated notification's data payload.
func customData1Payload(data json.RawMessage) (string, bool) {
	var parsed struct {
		CustomData1 string `json:"customData1"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.CustomData1 == "" {
		return "", false
	}
	return parsed.CustomData1, true
}

// sessionMessageEnvelopePayload extracts /body/data/payload from a
// SessionMessageCreated notification's data payload — the
// "ver=1.0, type=text, body={json}" string carrying the inner SessionMessage.
func sessionMessageEnvelopePayload(data json.RawMessage) (string, bool) {
	var parsed struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Payload == "" {
		return "", false
	}
	return parsed.Payload, true
}

// decodeSessionMessageNotification pulls the inner SessionMessage out of a
// SessionMessageCreated notification's raw envelope.
func decodeSessionMessageNotification(env notificationEnvelope) (SessionMessage, bool) {
	payload, ok := sessionMessageEnvelopePayload(env.Body.Data)
	if !ok {
		return SessionMessage{}, false
	}
	body, ok := extractEnvelopeBody(payload)
	if !ok {
		return SessionMessage{}, false
	}
	msg, err := DecodeSessionMessage([]byte(body))
	if err != nil {
		return SessionMessage{}, false
	}
	return msg, true
}
