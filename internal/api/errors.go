package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/response"
)

// Sentinels matched through errors.Is on *Error and wrapped transport errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNetwork         = errors.New("network unavailable")
	ErrInvalidResponse = errors.New("invalid response")
)

// Error is a non-2xx answer from the exam server.
type Error struct {
	Status               int
	Code                 response.ErrCode
	Message              string
	CurrentQuestionIndex *int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exam server %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exam server %d %s", e.Status, e.Code)
}

// Is maps HTTP status classes onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNetwork:
		// Gateways in front of the exam server answer 502-504 while it restarts.
		return e.Status == http.StatusBadGateway ||
			e.Status == http.StatusServiceUnavailable ||
			e.Status == http.StatusGatewayTimeout
	}
	return false
}

// CodeOf extracts the server error code, or "" when err is not an *Error.
func CodeOf(err error) response.ErrCode {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// AsError unwraps err into *Error.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
