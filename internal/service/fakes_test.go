package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

var quiet = zerolog.New(io.Discard)

type scripted struct {
	res *model.AnswerResult
	err error
}

// fakeServer stands in for the exam server across the service tests.
type fakeServer struct {
	mu sync.Mutex

	attempt      model.Attempt
	startErr     error
	getErr       error
	getCalls     int
	sessionToken string
	authToken    string
	loginErr     error
	loginToken   string

	fetches     []int
	fetchSeq    int
	questionErr map[int]error

	answers   []model.AnswerRequest
	answerQ   []scripted
	skips     []model.SkipRequest
	skipQ     []scripted
	submitHit chan struct{}
	release   chan struct{}

	saves    []model.Answers
	saveErrs []error
	draft    *model.DraftResponse
}

func newFakeServer(a model.Attempt) *fakeServer {
	return &fakeServer{attempt: a, questionErr: map[int]error{}}
}

func (s *fakeServer) StartAttempt(_ context.Context, olympiadID string, _ model.StartAttemptRequest) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	a := s.attempt
	return &a, nil
}

func (s *fakeServer) GetAttempt(_ context.Context, _ string) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	a := s.attempt
	return &a, nil
}

func (s *fakeServer) SetSessionToken(token string) {
	s.mu.Lock()
	s.sessionToken = token
	s.mu.Unlock()
}

func (s *fakeServer) SetAuthToken(token string) {
	s.mu.Lock()
	s.authToken = token
	s.mu.Unlock()
}

func (s *fakeServer) Login(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginToken, s.loginErr
}

func (s *fakeServer) GetQuestion(_ context.Context, _ string, index int) (*model.QuestionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, index)
	if err, ok := s.questionErr[index]; ok {
		delete(s.questionErr, index)
		return nil, err
	}
	s.fetchSeq++
	return &model.QuestionResponse{
		Question:             model.Question{ID: fmt.Sprintf("q%d", index), Text: fmt.Sprintf("Soal %d", index)},
		Nonce:                fmt.Sprintf("n%d-%d", index, s.fetchSeq),
		CurrentQuestionIndex: index,
	}, nil
}

func (s *fakeServer) SubmitAnswer(_ context.Context, _ string, req model.AnswerRequest) (*model.AnswerResult, error) {
	s.mu.Lock()
	hit, release := s.submitHit, s.release
	s.mu.Unlock()
	if hit != nil {
		hit <- struct{}{}
		<-release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, req)
	if len(s.answerQ) > 0 {
		next := s.answerQ[0]
		s.answerQ = s.answerQ[1:]
		return next.res, next.err
	}
	return &model.AnswerResult{NextQuestionIndex: req.QuestionIndex + 1}, nil
}

func (s *fakeServer) Skip(_ context.Context, _ string, req model.SkipRequest) (*model.AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, req)
	if len(s.skipQ) > 0 {
		next := s.skipQ[0]
		s.skipQ = s.skipQ[1:]
		return next.res, next.err
	}
	return &model.AnswerResult{NextQuestionIndex: s.attempt.CurrentQuestionIndex + 1}, nil
}

func (s *fakeServer) SaveDraft(_ context.Context, _ string, answers model.Answers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.saveErrs) > 0 {
		err = s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
	}
	if err == nil {
		s.saves = append(s.saves, answers.Clone())
	}
	return err
}

func (s *fakeServer) GetDraft(_ context.Context, _ string) (*model.DraftResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		return nil, &api.Error{Status: 404}
	}
	d := *s.draft
	return &d, nil
}

func (s *fakeServer) savedSnapshots() []model.Answers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Answers(nil), s.saves...)
}

func (s *fakeServer) answerRequests() []model.AnswerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AnswerRequest(nil), s.answers...)
}

func (s *fakeServer) skipRequests() []model.SkipRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SkipRequest(nil), s.skips...)
}

type fakeGate struct {
	mu   sync.Mutex
	open bool
}

func (g *fakeGate) CanProceed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *fakeGate) set(open bool) {
	g.mu.Lock()
	g.open = open
	g.mu.Unlock()
}

type fakePush struct {
	mu        sync.Mutex
	connected bool
	sent      []interface{}
}

func (p *fakePush) Send(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, v)
	return nil
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) messages() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.sent...)
}

func activeAttempt(index int) model.Attempt {
	return model.Attempt{
		ID:                   "att-1",
		OlympiadID:           "olymp-1",
		Status:               model.AttemptStatusInProgress,
		StartedAt:            t0,
		EndsAt:               t0.Add(time.Hour),
		CurrentQuestionIndex: index,
		SessionToken:         "sess-1",
	}
}

func intPtr(i int) *int { return &i }
