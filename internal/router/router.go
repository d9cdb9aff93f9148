package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/handler"
	"github.com/jcarpenter-uam/calc-translation-sub000/pkg/constants"
)

// New builds the HTTP router.
func New(
	webhook *handler.WebhookHandler,
	metrics *handler.MetricsHandler,
	health *handler.HealthHandler,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)

	// Platform lifecycle events
	r.POST(constants.PathZoomWebhook, webhook.Handle)

	// Read-only observability snapshot
	r.GET(constants.PathServerMetrics, metrics.Server)

	return r
}
