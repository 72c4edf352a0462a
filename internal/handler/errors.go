package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// failFor maps a service failure onto the bridge envelope. Exam-server codes
// the bridge has no sentinel for are passed through with the server status.
func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrUnauthorized):
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
	case errors.Is(err, service.ErrSessionExpired):
		response.Fail(c, http.StatusConflict, response.ErrAttemptExpired)
	case errors.Is(err, service.ErrSessionTerminated):
		response.Fail(c, http.StatusConflict, response.ErrAttemptTerminated)
	case errors.Is(err, service.ErrNoAttempt), errors.Is(err, service.ErrAttemptFinished):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotActive)
	case errors.Is(err, service.ErrProceedBlocked):
		response.Fail(c, http.StatusForbidden, response.ErrProctoringRequired)
	case errors.Is(err, service.ErrSubmissionInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmissionInFlight)
	case errors.Is(err, service.ErrReviewUnavailable):
		response.Fail(c, http.StatusNotFound, response.ErrReviewUnavailable)
	case errors.Is(err, capture.ErrPermissionDenied):
		response.Fail(c, http.StatusForbidden, response.ErrPermissionDenied)
	case errors.Is(err, capture.ErrInvalidShareTarget):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrInvalidShareTarget)
	case errors.Is(err, capture.ErrRecordingUnsupported):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrRecordingUnsupported)
	case errors.Is(err, api.ErrNetwork):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServerUnreachable)
	default:
		if apiErr, ok := api.AsError(err); ok && apiErr.Code != "" {
			response.Fail(c, apiErr.Status, apiErr.Code)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
