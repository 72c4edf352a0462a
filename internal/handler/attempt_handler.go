package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// Proctor is the attempt lifecycle the bridge drives.
type Proctor interface {
	Begin(ctx context.Context, olympiadID string, start bool, status model.ProctoringStatus) (*model.Attempt, error)
	Finish(ctx context.Context) (service.StopReport, error)
	Snapshot() service.Snapshot
	Question(ctx context.Context) (*model.QuestionView, error)
	Review(index int) (*model.QuestionView, error)
	Submit(ctx context.Context, answer json.RawMessage) (*model.AnswerResult, error)
	Skip(ctx context.Context, reason string) (*model.AnswerResult, error)
	RecordAnswer(ctx context.Context, questionID string, answer json.RawMessage) error
	SetNetworkOnline(online bool)
}

// CaptureSnapshotter reports stream states for the proctoring status.
type CaptureSnapshotter interface {
	Snapshot() capture.Snapshot
}

// AttemptHandler serves the attempt and question routes.
type AttemptHandler struct {
	proctor Proctor
	capture CaptureSnapshotter
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(proctor Proctor, capt CaptureSnapshotter) *AttemptHandler {
	return &AttemptHandler{proctor: proctor, capture: capt}
}

type startAttemptRequest struct {
	OlympiadID       string                 `json:"olympiadId" binding:"required"`
	Resume           bool                   `json:"resume"`
	ProctoringStatus model.ProctoringStatus `json:"proctoringStatus" binding:"omitempty,oneof=ready partial denied"`
}

// StartAttempt godoc
// POST /api/v1/attempt/start
// Opens (or with resume, reloads) the attempt and starts every component.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	var req startAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	status := req.ProctoringStatus
	if status == "" {
		status = proctoringStatus(h.capture.Snapshot())
	}

	attempt, err := h.proctor.Begin(c.Request.Context(), req.OlympiadID, !req.Resume, status)
	if err != nil {
		failFor(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}

// GetAttempt godoc
// GET /api/v1/attempt
// Returns everything the exam tab renders in one snapshot.
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	response.Success(c, http.StatusOK, h.proctor.Snapshot())
}

// FinishAttempt godoc
// POST /api/v1/attempt/finish
// Stops capture, uploads the recordings and reloads the final attempt state.
func (h *AttemptHandler) FinishAttempt(c *gin.Context) {
	report, err := h.proctor.Finish(c.Request.Context())
	if err != nil {
		failFor(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"report": report})
}

// GetQuestion godoc
// GET /api/v1/question
func (h *AttemptHandler) GetQuestion(c *gin.Context) {
	view, err := h.proctor.Question(c.Request.Context())
	if err != nil {
		failFor(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question": view})
}

// ReviewQuestion godoc
// GET /api/v1/question/review/:index
// Earlier questions are read-only and carry no nonce.
func (h *AttemptHandler) ReviewQuestion(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	view, err := h.proctor.Review(index)
	if err != nil {
		failFor(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question": view})
}

type answerRequest struct {
	Answer json.RawMessage `json:"answer" binding:"required"`
}

// SubmitAnswer godoc
// POST /api/v1/answer
func (h *AttemptHandler) SubmitAnswer(c *gin.Context) {
	var req answerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.proctor.Submit(c.Request.Context(), req.Answer)
	if err != nil {
		failFor(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

type skipRequest struct {
	Reason string `json:"reason" binding:"max=64"`
}

// SkipQuestion godoc
// POST /api/v1/skip
func (h *AttemptHandler) SkipQuestion(c *gin.Context) {
	var req skipRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.Reason == "" {
		req.Reason = "skipped"
	}

	res, err := h.proctor.Skip(c.Request.Context(), req.Reason)
	if err != nil {
		failFor(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

type draftRequest struct {
	QuestionID string          `json:"questionId" binding:"required"`
	Answer     json.RawMessage `json:"answer" binding:"required"`
}

// SaveDraft godoc
// PUT /api/v1/draft
// Records one answer edit locally; the server copy follows asynchronously.
func (h *AttemptHandler) SaveDraft(c *gin.Context) {
	var req draftRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.proctor.RecordAnswer(c.Request.Context(), req.QuestionID, req.Answer); err != nil {
		failFor(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "stored"})
}

type networkRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// ReportNetwork godoc
// POST /api/v1/network
// The browser's online/offline transitions. They gate the autosave queue
// independently of the push channel.
func (h *AttemptHandler) ReportNetwork(c *gin.Context) {
	var req networkRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.proctor.SetNetworkOnline(*req.Online)
	response.Success(c, http.StatusOK, gin.H{"online": *req.Online})
}

func proctoringStatus(s capture.Snapshot) model.ProctoringStatus {
	up := func(st model.StreamState) bool {
		return st == model.StreamAcquired || st == model.StreamRecording
	}
	switch {
	case up(s.Camera) && up(s.Screen):
		return model.ProctoringStatusReady
	case up(s.Camera) || up(s.Screen):
		return model.ProctoringStatusPartial
	default:
		return model.ProctoringStatusDenied
	}
}
