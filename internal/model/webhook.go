package model

import "encoding/json"

// Webhook event names delivered by the meeting platform.
const (
	EventURLValidation = "endpoint.url_validation"
	EventRTMSStarted   = "meeting.rtms_started"
	EventRTMSStopped   = "meeting.rtms_stopped"
)

// WebhookEvent is the envelope of every platform webhook delivery. Payload is
// kept raw until the event name is known.
type WebhookEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RTMSPayload is the payload of rtms_started / rtms_stopped events.
// StreamID is always required; MeetingUUID and OperatorID only for start.
type RTMSPayload struct {
	StreamID    string `json:"rtms_stream_id"`
	MeetingUUID string `json:"meeting_uuid"`
	OperatorID  string `json:"operator_id"`
	ServerURLs  string `json:"server_urls"`
	Signature   string `json:"signature"`
}

// URLValidationPayload carries the challenge token of the endpoint
// validation handshake.
type URLValidationPayload struct {
	PlainToken string `json:"plainToken"`
}

// URLValidationResponse answers the handshake.
type URLValidationResponse struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}
