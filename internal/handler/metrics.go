package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
)

// Snapshotter exposes the orchestrator's read-only stream view.
type Snapshotter interface {
	Snapshot() []model.StreamStatus
}

// MetricsHandler serves the observational snapshot. It can read orchestrator
// state but never mutate it.
type MetricsHandler struct {
	snap      Snapshotter
	startedAt time.Time
	proc      *process.Process
}

// NewMetricsHandler creates the metrics handler.
func NewMetricsHandler(snap Snapshotter) *MetricsHandler {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &MetricsHandler{snap: snap, startedAt: time.Now(), proc: proc}
}

// Server godoc
// GET /api/metrics/server
func (h *MetricsHandler) Server(c *gin.Context) {
	resp := model.ServerMetrics{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Streams:       h.snap.Snapshot(),
	}

	if h.proc != nil {
		if mem, err := h.proc.MemoryInfo(); err == nil {
			resp.RSSMB = float64(mem.RSS) / 1024 / 1024
		}
	}
	if avg, err := load.Avg(); err == nil {
		resp.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	c.JSON(http.StatusOK, resp)
}
