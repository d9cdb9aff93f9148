package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/errs"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/signature"
)

// Platform signature headers.
const (
	HeaderTimestamp = "x-zm-request-timestamp"
	HeaderSignature = "x-zm-signature"
)

// StreamController is what the gateway needs from the orchestrator.
type StreamController interface {
	StartStream(p *model.RTMSPayload) error
	StopStream(streamID string) error
}

// WebhookHandler is the authenticated HTTP boundary for platform lifecycle
// events. It verifies, parses, delegates, and answers — it never waits for a
// worker to spawn or stop.
type WebhookHandler struct {
	secret       string
	maxBodyBytes int64
	ctrl         StreamController
	log          *zap.Logger
}

// NewWebhookHandler creates the webhook gateway handler.
func NewWebhookHandler(secret string, maxBodyBytes int64, ctrl StreamController, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, maxBodyBytes: maxBodyBytes, ctrl: ctrl, log: log}
}

// Handle godoc
// POST /webhook/zoom
func (h *WebhookHandler) Handle(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server config error"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	// Raw bytes are verified before any parsing; an unverified payload is
	// never acted on.
	timestamp := c.GetHeader(HeaderTimestamp)
	sig := c.GetHeader(HeaderSignature)
	if timestamp == "" || sig == "" || !signature.Verify(h.secret, timestamp, body, sig) {
		h.log.Warn("invalid webhook signature", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event model.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	traceID := uuid.New().String()
	log := h.log.With(zap.String("event", event.Event), zap.String("trace_id", traceID))
	log.Info("webhook event received")

	switch event.Event {
	case model.EventURLValidation:
		h.handleURLValidation(c, event.Payload)
	case model.EventRTMSStarted:
		h.handleStarted(c, event.Payload, log)
	case model.EventRTMSStopped:
		h.handleStopped(c, event.Payload, log)
	default:
		// Unknown events acknowledge cleanly so the platform keeps
		// delivering the ones we do handle.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *WebhookHandler) handleURLValidation(c *gin.Context, raw json.RawMessage) {
	var p model.URLValidationPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlainToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing plainToken"})
		return
	}
	c.JSON(http.StatusOK, model.URLValidationResponse{
		PlainToken:     p.PlainToken,
		EncryptedToken: signature.EncryptToken(h.secret, p.PlainToken),
	})
}

func (h *WebhookHandler) handleStarted(c *gin.Context, raw json.RawMessage, log *zap.Logger) {
	var p model.RTMSPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	// Missing fields are a permanent per-event failure: log, drop, and
	// acknowledge so the platform does not retry.
	if missing := requiredStartFields(&p); missing != "" {
		log.Warn("rtms_started dropped", zap.String("missing_field", missing))
		c.JSON(http.StatusOK, gin.H{"status": "dropped", "missing": missing})
		return
	}

	payload := p
	go func() {
		err := h.ctrl.StartStream(&payload)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrDuplicateStream):
			log.Warn("duplicate rtms_started ignored", zap.String("stream_id", payload.StreamID))
		default:
			log.Error("worker spawn failed", zap.String("stream_id", payload.StreamID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "stream_id": p.StreamID})
}

func (h *WebhookHandler) handleStopped(c *gin.Context, raw json.RawMessage, log *zap.Logger) {
	var p model.RTMSPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if p.StreamID == "" {
		log.Warn("rtms_stopped dropped", zap.String("missing_field", "rtms_stream_id"))
		c.JSON(http.StatusOK, gin.H{"status": "dropped", "missing": "rtms_stream_id"})
		return
	}

	streamID := p.StreamID
	go func() {
		if err := h.ctrl.StopStream(streamID); err != nil {
			if errors.Is(err, errs.ErrStreamNotFound) {
				// Already cleaned up; nothing to stop.
				log.Info("rtms_stopped for unknown stream", zap.String("stream_id", streamID))
				return
			}
			log.Error("worker stop failed", zap.String("stream_id", streamID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "stream_id": streamID})
}

func requiredStartFields(p *model.RTMSPayload) string {
	switch {
	case p.StreamID == "":
		return "rtms_stream_id"
	case p.MeetingUUID == "":
		return "meeting_uuid"
	case p.OperatorID == "":
		return "operator_id"
	}
	return ""
}
