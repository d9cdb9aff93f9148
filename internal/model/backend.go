package model

// Message types sent to the transcription backend over the persistent
// WebSocket connection.
const (
	MsgSessionStart       = "session_start"
	MsgSessionReconnected = "session_reconnected"
	MsgSessionEnd         = "session_end"
)

// SessionPayload identifies the stream behind a lifecycle message.
type SessionPayload struct {
	MeetingID string `json:"meeting_id"`
	StreamID  string `json:"stream_id"`
	WorkerID  int    `json:"worker_id"`
}

// SessionMessage is a lifecycle message on the backend link. Payload is nil
// for session_end.
type SessionMessage struct {
	Type    string          `json:"type"`
	Payload *SessionPayload `json:"payload,omitempty"`
}

// AudioMessage forwards one audio frame. Audio is base64-encoded PCM.
type AudioMessage struct {
	UserName string `json:"userName"`
	Audio    string `json:"audio"`
}
