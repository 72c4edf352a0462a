package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func olympiadPath(olympiadID, suffix string) string {
	return "/olympiads/" + url.PathEscape(olympiadID) + suffix
}

// StartAttempt opens (or resumes) the student's attempt.
func (c *Client) StartAttempt(ctx context.Context, olympiadID string, req model.StartAttemptRequest) (*model.Attempt, error) {
	var out model.AttemptResponse
	if err := c.doJSON(ctx, http.MethodPost, olympiadPath(olympiadID, "/start"), req, &out); err != nil {
		return nil, err
	}
	return out.Attempt, nil
}

// GetAttempt returns the server's current attempt record.
func (c *Client) GetAttempt(ctx context.Context, olympiadID string) (*model.Attempt, error) {
	var out model.AttemptResponse
	if err := c.doJSON(ctx, http.MethodGet, olympiadPath(olympiadID, "/attempt"), nil, &out); err != nil {
		return nil, err
	}
	return out.Attempt, nil
}

// GetQuestion fetches the question at index and mints a fresh nonce for it.
func (c *Client) GetQuestion(ctx context.Context, olympiadID string, index int) (*model.QuestionResponse, error) {
	var out model.QuestionResponse
	path := olympiadPath(olympiadID, fmt.Sprintf("/question/%d", index))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAnswer consumes the nonce and returns the server's next index.
func (c *Client) SubmitAnswer(ctx context.Context, olympiadID string, req model.AnswerRequest) (*model.AnswerResult, error) {
	var out model.AnswerResult
	if err := c.doJSON(ctx, http.MethodPost, olympiadPath(olympiadID, "/answer"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Skip moves past the current question without an answer.
func (c *Client) Skip(ctx context.Context, olympiadID string, req model.SkipRequest) (*model.AnswerResult, error) {
	var out model.AnswerResult
	if err := c.doJSON(ctx, http.MethodPost, olympiadPath(olympiadID, "/skip"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportViolation posts one violation record.
func (c *Client) ReportViolation(ctx context.Context, olympiadID string, req model.ViolationRequest) error {
	return c.doJSON(ctx, http.MethodPost, olympiadPath(olympiadID, "/violation"), req, nil)
}

// SaveDraft stores the draft answers server-side.
func (c *Client) SaveDraft(ctx context.Context, olympiadID string, answers model.Answers) error {
	return c.doJSON(ctx, http.MethodPost, olympiadPath(olympiadID, "/save-draft"), model.SaveDraftRequest{Answers: answers}, nil)
}

// GetDraft returns the server-side draft.
func (c *Client) GetDraft(ctx context.Context, olympiadID string) (*model.DraftResponse, error) {
	var out model.DraftResponse
	if err := c.doJSON(ctx, http.MethodGet, olympiadPath(olympiadID, "/get-draft"), nil, &out); err != nil {
		return nil, err
	}
	if out.Answers == nil {
		out.Answers = model.Answers{}
	}
	return &out, nil
}
