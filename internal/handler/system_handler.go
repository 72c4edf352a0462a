package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"k8s.io/utils/clock"
)

// QueueDepth reports how many draft snapshots wait for the network.
type QueueDepth interface {
	Pending(ctx context.Context) int64
}

// Connectivity reports the push channel state.
type Connectivity interface {
	Connected() bool
}

// SystemHandler reports agent health and runtime metrics.
type SystemHandler struct {
	clock      clock.PassiveClock
	startTime  time.Time
	draftStore string
	queue      QueueDepth
	push       Connectivity
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(clk clock.PassiveClock, draftStore string, queue QueueDepth, push Connectivity) *SystemHandler {
	return &SystemHandler{
		clock:      clk,
		startTime:  clk.Now(),
		draftStore: draftStore,
		queue:      queue,
		push:       push,
	}
}

type systemMetrics struct {
	Uptime        string `json:"uptime"`
	DraftStore    string `json:"draft_store"`
	PushConnected bool   `json:"push_connected"`
	QueuedDrafts  int64  `json:"queued_drafts"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// Health godoc
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}

// Metrics godoc
// GET /api/v1/system
func (h *SystemHandler) Metrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := systemMetrics{
		Uptime:     h.clock.Since(h.startTime).Truncate(time.Second).String(),
		DraftStore: h.draftStore,
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		HeapSys:    mem.HeapSys,
		NumGC:      mem.NumGC,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
	if h.push != nil {
		m.PushConnected = h.push.Connected()
	}
	if h.queue != nil {
		m.QueuedDrafts = h.queue.Pending(c.Request.Context())
	}
	response.Success(c, http.StatusOK, m)
}
