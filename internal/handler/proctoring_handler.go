package handler

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

const (
	maxChunkBytes = 32 << 20
	maxFrameBytes = 8 << 20
)

// CaptureControl is the engine side of the capture routes.
type CaptureControl interface {
	CaptureSnapshotter
	AcquireAll(ctx context.Context) error
	ReportFace(present bool)
}

// MediaBridge receives what the shell's media APIs produce.
type MediaBridge interface {
	Grant(kind model.StreamKind, info capture.TrackInfo) error
	Deny(kind model.StreamKind, reason string) error
	Ended(kind model.StreamKind)
	PushChunk(ctx context.Context, kind model.StreamKind, data []byte, final bool) error
	PushFrame(kind model.StreamKind, img image.Image)
}

// SignalHandler classifies browser events.
type SignalHandler interface {
	HandleSignal(sig violation.Signal) violation.Decision
}

// ProctoringHandler serves the capture, face and signal routes.
type ProctoringHandler struct {
	capture CaptureControl
	media   MediaBridge
	signals SignalHandler
}

// NewProctoringHandler creates a new ProctoringHandler.
func NewProctoringHandler(capt CaptureControl, media MediaBridge, signals SignalHandler) *ProctoringHandler {
	return &ProctoringHandler{capture: capt, media: media, signals: signals}
}

type signalBatch struct {
	Signals []violation.Signal `json:"signals" binding:"required,max=200,dive"`
}

// PostSignals godoc
// POST /api/v1/signals
// Classifies a batch of browser events and tells the shell which to suppress.
func (h *ProctoringHandler) PostSignals(c *gin.Context) {
	var req signalBatch
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	decisions := make([]violation.Decision, 0, len(req.Signals))
	for _, sig := range req.Signals {
		decisions = append(decisions, h.signals.HandleSignal(sig))
	}
	response.Success(c, http.StatusOK, gin.H{"decisions": decisions})
}

type faceRequest struct {
	Present *bool `json:"present" binding:"required"`
}

// PostFace godoc
// POST /api/v1/face
// Face presence from a detector running in the shell.
func (h *ProctoringHandler) PostFace(c *gin.Context) {
	var req faceRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.capture.ReportFace(*req.Present)
	response.Success(c, http.StatusOK, h.capture.Snapshot())
}

// Acquire godoc
// POST /api/v1/capture/acquire
// Requests camera then screen. The shell answers the request_track commands
// on the events socket through the track and denied routes.
func (h *ProctoringHandler) Acquire(c *gin.Context) {
	err := h.capture.AcquireAll(c.Request.Context())
	snap := h.capture.Snapshot()
	if err != nil && !errors.Is(err, capture.ErrPermissionDenied) && !errors.Is(err, capture.ErrInvalidShareTarget) {
		failFor(c, err)
		return
	}
	body := gin.H{"capture": snap, "proctoringStatus": proctoringStatus(snap)}
	if err != nil {
		body["error"] = err.Error()
	}
	response.Success(c, http.StatusOK, body)
}

// GrantTrack godoc
// POST /api/v1/capture/:stream/track
func (h *ProctoringHandler) GrantTrack(c *gin.Context) {
	kind, ok := streamParam(c)
	if !ok {
		return
	}
	var info capture.TrackInfo
	if fields := validator.Bind(c, &info); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if err := h.media.Grant(kind, info); err != nil {
		response.Fail(c, http.StatusConflict, response.ErrConflict)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"stream": kind})
}

type denyRequest struct {
	Reason string `json:"reason"`
}

// DenyTrack godoc
// POST /api/v1/capture/:stream/denied
func (h *ProctoringHandler) DenyTrack(c *gin.Context) {
	kind, ok := streamParam(c)
	if !ok {
		return
	}
	var req denyRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.media.Deny(kind, req.Reason); err != nil {
		response.Fail(c, http.StatusConflict, response.ErrConflict)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"stream": kind})
}

// PushChunk godoc
// POST /api/v1/capture/:stream/chunk[?final=true]
// The body is one raw recorder chunk.
func (h *ProctoringHandler) PushChunk(c *gin.Context) {
	kind, ok := streamParam(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBytes))
	if err != nil {
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
		return
	}
	final := c.Query("final") == "true"
	if len(data) == 0 && !final {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}

	if err := h.media.PushChunk(c.Request.Context(), kind, data, final); err != nil {
		response.Fail(c, http.StatusConflict, response.ErrConflict)
		return
	}
	c.Status(http.StatusNoContent)
}

// PushFrame godoc
// POST /api/v1/capture/:stream/frame
// The body is a JPEG or PNG of the stream's current frame.
func (h *ProctoringHandler) PushFrame(c *gin.Context) {
	kind, ok := streamParam(c)
	if !ok {
		return
	}
	img, _, err := image.Decode(http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}
	h.media.PushFrame(kind, img)
	c.Status(http.StatusNoContent)
}

// TrackEnded godoc
// POST /api/v1/capture/:stream/ended
// The shell's track ended on its own, e.g. the student stopped sharing.
func (h *ProctoringHandler) TrackEnded(c *gin.Context) {
	kind, ok := streamParam(c)
	if !ok {
		return
	}
	h.media.Ended(kind)
	c.Status(http.StatusNoContent)
}

func streamParam(c *gin.Context) (model.StreamKind, bool) {
	kind := model.StreamKind(c.Param("stream"))
	if !kind.Valid() {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return kind, true
}
