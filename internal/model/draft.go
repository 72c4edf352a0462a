package model

import (
	"encoding/json"
	"time"
)

// Answers maps question id to the raw answer value.
type Answers map[string]json.RawMessage

// Clone returns a shallow copy safe to mutate.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// DraftEntry is one answer edit not yet confirmed by the server.
type DraftEntry struct {
	QuestionID string          `json:"questionId"`
	Answer     json.RawMessage `json:"answer"`
	TypedAt    time.Time       `json:"typedAt"`
}

// Draft is the durable local record of one olympiad.
// Answers is the latest value per question; Pending is the ordered journal
// of edits since the last confirmed sync.
type Draft struct {
	OlympiadID string       `json:"olympiadId"`
	Answers    Answers      `json:"answers"`
	Synced     Answers      `json:"synced,omitempty"`
	Pending    []DraftEntry `json:"pending,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// SaveDraftRequest is the payload of POST /olympiads/{id}/save-draft.
type SaveDraftRequest struct {
	Answers Answers `json:"answers"`
}

// DraftResponse is the body of GET /olympiads/{id}/get-draft.
type DraftResponse struct {
	Answers   Answers   `json:"answers"`
	UpdatedAt time.Time `json:"updatedAt"`
}
