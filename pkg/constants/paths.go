package constants

// Пути health, ready и основных endpoint'ов (webhook + metrics).
const (
	PathHealth        = "/health"
	PathReady         = "/ready"
	PathZoomWebhook   = "/webhook/zoom"
	PathServerMetrics = "/api/metrics/server"
)
