package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Attempt-level errors surfaced to the bridge.
var (
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSessionExpired     = errors.New("attempt expired")
	ErrSessionTerminated  = errors.New("attempt terminated")
	ErrNoAttempt          = errors.New("no attempt loaded")
	ErrAttemptFinished    = errors.New("attempt already finished")
	ErrProceedBlocked     = errors.New("proctoring conditions not met")
	ErrSubmissionInFlight = errors.New("submission already in flight")
	ErrReviewUnavailable  = errors.New("question not available for review")
	ErrTokenExpired       = errors.New("auth token expired")
)

// classify maps exam server failures onto the service sentinels. Errors it
// does not recognise are wrapped with op and returned unchanged in kind.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
	case errors.Is(err, api.ErrUnauthorized):
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	switch api.CodeOf(err) {
	case response.ErrAttemptExpired:
		return fmt.Errorf("%s: %w", op, ErrSessionExpired)
	case response.ErrAttemptTerminated:
		return fmt.Errorf("%s: %w", op, ErrSessionTerminated)
	}
	return fmt.Errorf("%s: %w", op, err)
}
