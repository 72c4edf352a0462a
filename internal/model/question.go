package model

import (
	"encoding/json"
)

// Question is the renderable content of one exam item.
type Question struct {
	ID      string          `json:"id" validate:"required"`
	Text    string          `json:"text"`
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// QuestionView is a fetched question together with its single-use nonce.
type QuestionView struct {
	Index    int      `json:"index"`
	Question Question `json:"question"`
	Nonce    string   `json:"-"`
}

// QuestionResponse is the body of GET /olympiads/{id}/question/{index}.
type QuestionResponse struct {
	Question             Question `json:"question" validate:"required"`
	Nonce                string   `json:"nonce" validate:"required"`
	CurrentQuestionIndex int      `json:"currentQuestionIndex" validate:"gte=0"`
}

// AnswerRequest is the payload of POST /olympiads/{id}/answer.
type AnswerRequest struct {
	QuestionIndex     int             `json:"questionIndex"`
	Answer            json.RawMessage `json:"answer"`
	Nonce             string          `json:"nonce"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
}

// SkipRequest is the payload of POST /olympiads/{id}/skip.
type SkipRequest struct {
	Reason            string `json:"reason"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// AnswerResult is returned by answer and skip.
type AnswerResult struct {
	NextQuestionIndex int  `json:"nextQuestionIndex" validate:"gte=0"`
	IsLastQuestion    bool `json:"isLastQuestion"`
}
