package websocket

import (
	"encoding/json"
	"time"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionTimerSync       Action = "timer-sync"
	ActionViolationReport Action = "violation-report"
	ActionJoinOlympiad    Action = "join-olympiad"
)

// TimerSyncRequest asks the server for the authoritative end time.
type TimerSyncRequest struct {
	Action    Action `json:"action"`
	AttemptID string `json:"attemptId"`
}

// ViolationReportRequest mirrors the REST violation payload on the push channel.
type ViolationReportRequest struct {
	Action        Action         `json:"action"`
	OlympiadID    string         `json:"olympiadId"`
	AttemptID     string         `json:"attemptId"`
	ViolationType string         `json:"violationType"`
	Timestamp     time.Time      `json:"timestamp"`
	Details       map[string]any `json:"details,omitempty"`
}

// JoinOlympiadRequest subscribes the connection to an olympiad's events.
type JoinOlympiadRequest struct {
	Action     Action `json:"action"`
	OlympiadID string `json:"olympiadId"`
	AttemptID  string `json:"attemptId"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTimerSyncResponse Event = "timer-sync-response"
	EventTimerUpdate       Event = "timer-update"
	EventLeaderboardUpdate Event = "leaderboard-update"
	EventAttemptUpdate     Event = "attempt-update"
	EventError             Event = "error"
)

// EventEnvelope is used to peek at the event before full parsing.
type EventEnvelope struct {
	Event Event `json:"event"`
}

// TimerSyncResponse carries the server's end time.
type TimerSyncResponse struct {
	Event  Event     `json:"event"`
	EndsAt time.Time `json:"endsAt"`
}

// TimerUpdate is broadcast when an invigilator changes an attempt's time.
type TimerUpdate struct {
	Event     Event     `json:"event"`
	AttemptID string    `json:"attemptId"`
	EndsAt    time.Time `json:"endsAt"`
}

// AttemptUpdate is broadcast when the server changes an attempt's status.
type AttemptUpdate struct {
	Event     Event  `json:"event"`
	AttemptID string `json:"attemptId"`
	Status    string `json:"status"`
}

// ErrorResponse reports a rejected action.
type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

// Message is one received frame: the peeked event plus the raw body.
type Message struct {
	Event Event
	Raw   json.RawMessage
}
