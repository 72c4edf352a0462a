package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// SkipReasonTimeExpired is sent when the countdown forces the attempt closed
// with no answer pending.
const SkipReasonTimeExpired = "time_expired"

// QuestionAPI is the part of the exam API that serves and accepts questions.
type QuestionAPI interface {
	GetQuestion(ctx context.Context, olympiadID string, index int) (*model.QuestionResponse, error)
	SubmitAnswer(ctx context.Context, olympiadID string, req model.AnswerRequest) (*model.AnswerResult, error)
	Skip(ctx context.Context, olympiadID string, req model.SkipRequest) (*model.AnswerResult, error)
}

// Gate reports whether proctoring conditions allow the student to proceed.
type Gate interface {
	CanProceed() bool
}

// ProgressionState is the state of the question at the current index.
type ProgressionState string

const (
	StateViewing    ProgressionState = "viewing"
	StateSubmitting ProgressionState = "submitting"
	StateAdvanced   ProgressionState = "advanced"
	StateRejected   ProgressionState = "rejected"
	StateFinished   ProgressionState = "finished"
)

// ProgressionService moves the student forward through the questions. Every
// answer carries the nonce of the latest fetch of its index; a nonce is
// spent the moment it is sent, so any retry fetches a fresh one.
type ProgressionService struct {
	api         QuestionAPI
	session     *AttemptService
	gate        Gate
	fingerprint string
	log         zerolog.Logger

	// submitMu serialises submissions; interactive callers TryLock it.
	submitMu sync.Mutex

	mu       sync.Mutex
	state    ProgressionState
	current  *model.QuestionView
	rendered map[int]model.Question
	finished bool
	onChange []func(ProgressionSnapshot)
}

// ProgressionSnapshot is what observers see of the controller.
type ProgressionSnapshot struct {
	State    ProgressionState    `json:"state"`
	Index    int                 `json:"index"`
	Question *model.QuestionView `json:"question,omitempty"`
	Finished bool                `json:"finished"`
}

// NewProgressionService creates a ProgressionService. gate may be nil when
// proctoring is not enforced.
func NewProgressionService(client QuestionAPI, session *AttemptService, gate Gate, fingerprint string, log zerolog.Logger) *ProgressionService {
	return &ProgressionService{
		api:         client,
		session:     session,
		gate:        gate,
		fingerprint: fingerprint,
		log:         log.With().Str("component", "progression").Logger(),
		state:       StateViewing,
		rendered:    make(map[int]model.Question),
	}
}

// Open fetches the question at the session's current index.
func (s *ProgressionService) Open(ctx context.Context) (*model.QuestionView, error) {
	if s.session.OlympiadID() == "" {
		return nil, ErrNoAttempt
	}
	view, err := s.fetch(ctx, s.session.CurrentIndex(), true)
	if err != nil {
		return nil, err
	}
	s.setState(StateViewing)
	return view, nil
}

// fetch loads index and makes it the current view with a fresh nonce. When
// correct is set, an index-correction answer is followed once.
func (s *ProgressionService) fetch(ctx context.Context, index int, correct bool) (*model.QuestionView, error) {
	resp, err := s.api.GetQuestion(ctx, s.session.OlympiadID(), index)
	if err != nil {
		if idx, ok := correctionIndex(err); ok && correct && idx != index {
			s.session.OverrideCurrentIndex(idx)
			return s.fetch(ctx, idx, false)
		}
		return nil, classify("fetch question", err)
	}

	if resp.CurrentQuestionIndex > index {
		// The server already moved on (another device, or a missed response).
		s.session.OverrideCurrentIndex(resp.CurrentQuestionIndex)
		if correct {
			return s.fetch(ctx, resp.CurrentQuestionIndex, false)
		}
	}

	view := &model.QuestionView{Index: index, Question: resp.Question, Nonce: resp.Nonce}

	s.mu.Lock()
	s.current = view
	s.rendered[index] = resp.Question
	s.mu.Unlock()

	s.notify()
	return publicView(view), nil
}

// Current returns the view at the current index without its nonce.
func (s *ProgressionService) Current() *model.QuestionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return publicView(s.current)
}

// Submit sends answer for the current index. It is rejected with
// ErrProceedBlocked when the gate is closed and ErrSubmissionInFlight while
// another submission runs.
func (s *ProgressionService) Submit(ctx context.Context, answer json.RawMessage) (*model.AnswerResult, error) {
	if err := s.precheck(); err != nil {
		return nil, err
	}
	if !s.submitMu.TryLock() {
		return nil, ErrSubmissionInFlight
	}
	defer s.submitMu.Unlock()

	return s.submit(ctx, answer)
}

// Skip leaves the current question unanswered.
func (s *ProgressionService) Skip(ctx context.Context, reason string) (*model.AnswerResult, error) {
	if err := s.precheck(); err != nil {
		return nil, err
	}
	if !s.submitMu.TryLock() {
		return nil, ErrSubmissionInFlight
	}
	defer s.submitMu.Unlock()

	return s.skip(ctx, reason)
}

// ForceFinish closes the attempt on expiry. A pending answer is submitted
// without consulting the gate; otherwise the current question is skipped. It
// waits for an in-flight submission instead of failing.
func (s *ProgressionService) ForceFinish(ctx context.Context, pending json.RawMessage) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.Finished() {
		return nil
	}
	defer s.finish()

	var err error
	if len(pending) > 0 {
		_, err = s.submit(ctx, pending)
	} else {
		_, err = s.skip(ctx, SkipReasonTimeExpired)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Forced final submission failed")
		return fmt.Errorf("force finish: %w", err)
	}
	return nil
}

func (s *ProgressionService) precheck() error {
	if s.Finished() {
		return ErrAttemptFinished
	}
	if s.session.IsExpired() {
		return ErrSessionExpired
	}
	if s.session.IsTerminated() {
		return ErrSessionTerminated
	}
	if s.gate != nil && !s.gate.CanProceed() {
		return ErrProceedBlocked
	}
	return nil
}

// submit must be called with submitMu held.
func (s *ProgressionService) submit(ctx context.Context, answer json.RawMessage) (*model.AnswerResult, error) {
	s.setState(StateSubmitting)
	index := s.session.CurrentIndex()

	for retried := false; ; retried = true {
		nonce, err := s.takeNonce(ctx, index)
		if err != nil {
			s.setState(StateRejected)
			return nil, err
		}

		res, err := s.api.SubmitAnswer(ctx, s.session.OlympiadID(), model.AnswerRequest{
			QuestionIndex:     index,
			Answer:            answer,
			Nonce:             nonce,
			DeviceFingerprint: s.fingerprint,
		})
		if err == nil {
			return s.advance(ctx, index, res)
		}

		if api.CodeOf(err) == response.ErrInvalidNonce && !retried {
			s.log.Debug().Int("index", index).Msg("Nonce rejected, refetching")
			continue
		}
		if res, ok, cerr := s.correct(ctx, err); ok {
			return res, cerr
		}

		s.setState(StateRejected)
		return nil, classify("submit answer", err)
	}
}

// skip must be called with submitMu held.
func (s *ProgressionService) skip(ctx context.Context, reason string) (*model.AnswerResult, error) {
	s.setState(StateSubmitting)
	index := s.session.CurrentIndex()

	res, err := s.api.Skip(ctx, s.session.OlympiadID(), model.SkipRequest{
		Reason:            reason,
		DeviceFingerprint: s.fingerprint,
	})
	if err != nil {
		if res, ok, cerr := s.correct(ctx, err); ok {
			return res, cerr
		}
		s.setState(StateRejected)
		return nil, classify("skip question", err)
	}
	return s.advance(ctx, index, res)
}

// takeNonce returns the nonce for index, fetching when the held one is
// missing, spent, or belongs to another index. The nonce is cleared on
// return.
func (s *ProgressionService) takeNonce(ctx context.Context, index int) (string, error) {
	s.mu.Lock()
	cur := s.current
	fresh := cur != nil && cur.Index == index && cur.Nonce != ""
	s.mu.Unlock()

	if !fresh {
		if _, err := s.fetch(ctx, index, false); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Index != index || s.current.Nonce == "" {
		return "", fmt.Errorf("no nonce for question %d", index)
	}
	nonce := s.current.Nonce
	s.current.Nonce = ""
	return nonce, nil
}

// correct handles index-mismatch rejections: the server's index is adopted
// and its question fetched. ok reports whether err was such a rejection.
func (s *ProgressionService) correct(ctx context.Context, err error) (*model.AnswerResult, bool, error) {
	if !api.CodeOf(err).IndexCorrection() {
		return nil, false, nil
	}

	idx, known := correctionIndex(err)
	if !known {
		a, rerr := s.session.Refresh(ctx)
		if rerr != nil {
			s.setState(StateRejected)
			return nil, true, fmt.Errorf("resync index: %w", rerr)
		}
		idx = a.CurrentQuestionIndex
	}

	s.session.OverrideCurrentIndex(idx)
	if _, ferr := s.fetch(ctx, idx, false); ferr != nil {
		s.setState(StateRejected)
		return nil, true, fmt.Errorf("resync index: %w", ferr)
	}
	s.setState(StateViewing)
	s.log.Info().Int("index", idx).Msg("Resynchronised question index")
	return &model.AnswerResult{NextQuestionIndex: idx}, true, nil
}

func (s *ProgressionService) advance(ctx context.Context, index int, res *model.AnswerResult) (*model.AnswerResult, error) {
	next := res.NextQuestionIndex
	if !s.session.SetCurrentIndex(next) {
		s.log.Warn().Int("index", index).Int("next", next).Msg("Server returned a lower index, resyncing")
		if a, err := s.session.Refresh(ctx); err == nil {
			next = a.CurrentQuestionIndex
		} else {
			next = s.session.CurrentIndex()
		}
	}

	if res.IsLastQuestion {
		s.finish()
		if _, err := s.session.Refresh(ctx); err != nil {
			s.log.Debug().Err(err).Msg("Refresh after last question failed")
		}
		return res, nil
	}

	s.setState(StateAdvanced)
	if _, err := s.fetch(ctx, next, true); err != nil {
		// The next Submit refetches; the answer itself was accepted.
		s.log.Warn().Err(err).Int("index", next).Msg("Prefetch failed")
	}
	return &model.AnswerResult{NextQuestionIndex: s.session.CurrentIndex()}, nil
}

// Review returns already-rendered content for an earlier index. It never
// carries a nonce, so nothing can be resubmitted from it.
func (s *ProgressionService) Review(index int) (*model.QuestionView, error) {
	if index < 0 || index >= s.session.CurrentIndex() {
		return nil, ErrReviewUnavailable
	}
	s.mu.Lock()
	q, ok := s.rendered[index]
	s.mu.Unlock()
	if !ok {
		return nil, ErrReviewUnavailable
	}
	return &model.QuestionView{Index: index, Question: q}, nil
}

func (s *ProgressionService) finish() {
	s.mu.Lock()
	s.finished = true
	s.state = StateFinished
	s.mu.Unlock()
	s.notify()
}

// Finished reports whether the last question was answered or time ran out.
func (s *ProgressionService) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// State returns the controller state.
func (s *ProgressionService) State() ProgressionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the observable controller state.
func (s *ProgressionService) Snapshot() ProgressionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ProgressionService) snapshotLocked() ProgressionSnapshot {
	return ProgressionSnapshot{
		State:    s.state,
		Index:    s.session.CurrentIndex(),
		Question: publicView(s.current),
		Finished: s.finished,
	}
}

// OnChange registers fn to run after every state change.
func (s *ProgressionService) OnChange(fn func(ProgressionSnapshot)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *ProgressionService) setState(st ProgressionState) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notify()
}

func (s *ProgressionService) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	fns := append([]func(ProgressionSnapshot){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func publicView(v *model.QuestionView) *model.QuestionView {
	if v == nil {
		return nil
	}
	return &model.QuestionView{Index: v.Index, Question: v.Question}
}

func correctionIndex(err error) (int, bool) {
	apiErr, ok := api.AsError(err)
	if !ok || !apiErr.Code.IndexCorrection() || apiErr.CurrentQuestionIndex == nil {
		return 0, false
	}
	return *apiErr.CurrentQuestionIndex, true
}
