package model

import (
	"time"
)

// AttemptStatus enumerates server-side attempt states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusCompleted  AttemptStatus = "completed"
	AttemptStatusExpired    AttemptStatus = "expired"
	AttemptStatusTerminated AttemptStatus = "terminated"
)

// ProctoringStatus is reported when an attempt is started.
type ProctoringStatus string

const (
	ProctoringStatusReady   ProctoringStatus = "ready"
	ProctoringStatusPartial ProctoringStatus = "partial"
	ProctoringStatusDenied  ProctoringStatus = "denied"
)

// Attempt is the client's cached copy of one student's exam session.
// The server owns it; the client never extends EndsAt on its own.
type Attempt struct {
	ID                   string        `json:"id" validate:"required"`
	OlympiadID           string        `json:"olympiadId" validate:"required"`
	UserID               string        `json:"userId"`
	Status               AttemptStatus `json:"status" validate:"required,oneof=in_progress completed expired terminated"`
	StartedAt            time.Time     `json:"startedAt"`
	EndsAt               time.Time     `json:"endsAt" validate:"required"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex" validate:"gte=0"`
	SessionToken         string        `json:"sessionToken"`
	TotalQuestions       int           `json:"totalQuestions,omitempty" validate:"gte=0"`
}

func (a *Attempt) IsActive() bool     { return a.Status == AttemptStatusInProgress }
func (a *Attempt) IsExpired() bool    { return a.Status == AttemptStatusExpired }
func (a *Attempt) IsCompleted() bool  { return a.Status == AttemptStatusCompleted }
func (a *Attempt) IsTerminated() bool { return a.Status == AttemptStatusTerminated }

// StartAttemptRequest is the payload of POST /olympiads/{id}/start.
type StartAttemptRequest struct {
	ProctoringStatus  ProctoringStatus `json:"proctoringStatus"`
	DeviceFingerprint string           `json:"deviceFingerprint"`
}

// AttemptResponse wraps the attempt returned by start/get.
type AttemptResponse struct {
	Attempt *Attempt `json:"attempt" validate:"required"`
}
