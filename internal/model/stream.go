package model

import "time"

// Role is the forwarding role of a stream worker. Exactly one stream per
// meeting holds RolePrimary at any time; only the primary forwards audio.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
)

// WorkerMetrics is one self-reported resource snapshot from a stream worker.
type WorkerMetrics struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	ReportedAt time.Time `json:"reported_at"`
}

// StreamStatus is the API view of one active stream — metrics response DTO.
type StreamStatus struct {
	StreamID            string         `json:"stream_id"`
	MeetingID           string         `json:"meeting_id"`
	Role                Role           `json:"role"`
	StartedAt           time.Time      `json:"started_at"`
	UptimeSeconds       int64          `json:"uptime_seconds"`
	Metrics             *WorkerMetrics `json:"metrics"`
	AwaitingFirstReport bool           `json:"awaiting_first_report"`
}

// ServerMetrics is the response for GET /api/metrics/server.
type ServerMetrics struct {
	UptimeSeconds int64          `json:"uptime_seconds"`
	RSSMB         float64        `json:"rss_mb"`
	LoadAvg       [3]float64     `json:"load_avg"`
	Streams       []StreamStatus `json:"streams"`
}
