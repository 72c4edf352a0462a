package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptAPI is the part of the exam API that serves attempt records.
type AttemptAPI interface {
	StartAttempt(ctx context.Context, olympiadID string, req model.StartAttemptRequest) (*model.Attempt, error)
	GetAttempt(ctx context.Context, olympiadID string) (*model.Attempt, error)
	SetSessionToken(token string)
}

// AttemptService holds the cached attempt record of one olympiad. It
// performs no writes besides opening the attempt; every other change comes
// from the server.
type AttemptService struct {
	api         AttemptAPI
	timer       *TimerService
	fingerprint string
	log         zerolog.Logger

	mu         sync.RWMutex
	olympiadID string
	attempt    *model.Attempt
	terminal   bool
	onTerminal []func(model.AttemptStatus)
	onChange   []func(model.Attempt)
}

// NewAttemptService creates an AttemptService driving timer. The timer
// resyncs through the service.
func NewAttemptService(client AttemptAPI, timer *TimerService, fingerprint string, log zerolog.Logger) *AttemptService {
	s := &AttemptService{
		api:         client,
		timer:       timer,
		fingerprint: fingerprint,
		log:         log.With().Str("component", "attempt").Logger(),
	}
	if timer != nil {
		timer.SetSource(s)
	}
	return s
}

// Start opens the attempt on the server and caches it.
func (s *AttemptService) Start(ctx context.Context, olympiadID string, status model.ProctoringStatus) (*model.Attempt, error) {
	a, err := s.api.StartAttempt(ctx, olympiadID, model.StartAttemptRequest{
		ProctoringStatus:  status,
		DeviceFingerprint: s.fingerprint,
	})
	if err != nil {
		return nil, classify("start attempt", err)
	}
	s.adopt(olympiadID, a, true)
	return s.Attempt(), nil
}

// Load fetches an existing attempt. Not found and unauthorized are terminal
// for the view; network failures stay wrapped in api.ErrNetwork.
func (s *AttemptService) Load(ctx context.Context, olympiadID string) (*model.Attempt, error) {
	a, err := s.api.GetAttempt(ctx, olympiadID)
	if err != nil {
		return nil, classify("load attempt", err)
	}
	s.adopt(olympiadID, a, true)
	return s.Attempt(), nil
}

// Refresh re-fetches the attempt, replaces the cache and pushes endsAt into
// the timer.
func (s *AttemptService) Refresh(ctx context.Context) (*model.Attempt, error) {
	id := s.OlympiadID()
	if id == "" {
		return nil, ErrNoAttempt
	}
	a, err := s.api.GetAttempt(ctx, id)
	if err != nil {
		return nil, classify("refresh attempt", err)
	}
	s.adopt(id, a, true)
	return s.Attempt(), nil
}

// FetchEndsAt re-fetches the attempt for the timer's resync path. The timer
// applies the returned value itself.
func (s *AttemptService) FetchEndsAt(ctx context.Context) (time.Time, error) {
	id := s.OlympiadID()
	if id == "" {
		return time.Time{}, ErrNoAttempt
	}
	a, err := s.api.GetAttempt(ctx, id)
	if err != nil {
		return time.Time{}, classify("fetch endsAt", err)
	}
	s.adopt(id, a, false)
	return a.EndsAt, nil
}

func (s *AttemptService) adopt(olympiadID string, a *model.Attempt, pushTimer bool) {
	if a.OlympiadID == "" {
		a.OlympiadID = olympiadID
	}

	s.mu.Lock()
	first := s.attempt == nil || s.attempt.ID != a.ID
	s.olympiadID = olympiadID
	cp := *a
	s.attempt = &cp
	if first {
		s.log = logger.WithAttempt(s.log, olympiadID, a.ID)
	}
	fireTerminal := !a.IsActive() && !s.terminal
	if fireTerminal {
		s.terminal = true
	}
	terminalFns := append([]func(model.AttemptStatus){}, s.onTerminal...)
	changeFns := append([]func(model.Attempt){}, s.onChange...)
	log := s.log
	s.mu.Unlock()

	if a.SessionToken != "" {
		s.api.SetSessionToken(a.SessionToken)
	}
	if s.timer != nil {
		if first {
			s.timer.Bind(a.ID, a.EndsAt)
		} else if pushTimer {
			s.timer.ApplyServerEndsAt(a.EndsAt)
		}
	}

	for _, fn := range changeFns {
		fn(cp)
	}
	if fireTerminal {
		log.Info().Str("status", string(a.Status)).Msg("Attempt left in_progress")
		for _, fn := range terminalFns {
			fn(a.Status)
		}
	}
}

// ApplyStatus records a status pushed by the server (attempt-update).
func (s *AttemptService) ApplyStatus(status model.AttemptStatus) {
	s.mu.RLock()
	if s.attempt == nil {
		s.mu.RUnlock()
		return
	}
	a := *s.attempt
	id := s.olympiadID
	s.mu.RUnlock()

	a.Status = status
	s.adopt(id, &a, false)
}

// Attempt returns a copy of the cached attempt, or nil before Load.
func (s *AttemptService) Attempt() *model.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attempt == nil {
		return nil
	}
	cp := *s.attempt
	return &cp
}

// OlympiadID returns the olympiad of the cached attempt.
func (s *AttemptService) OlympiadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.olympiadID
}

// AttemptID returns the id of the cached attempt.
func (s *AttemptService) AttemptID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attempt == nil {
		return ""
	}
	return s.attempt.ID
}

func (s *AttemptService) status() model.AttemptStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attempt == nil {
		return ""
	}
	return s.attempt.Status
}

func (s *AttemptService) IsActive() bool     { return s.status() == model.AttemptStatusInProgress }
func (s *AttemptService) IsExpired() bool    { return s.status() == model.AttemptStatusExpired }
func (s *AttemptService) IsCompleted() bool  { return s.status() == model.AttemptStatusCompleted }
func (s *AttemptService) IsTerminated() bool { return s.status() == model.AttemptStatusTerminated }

// CurrentIndex returns the cached currentQuestionIndex.
func (s *AttemptService) CurrentIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attempt == nil {
		return 0
	}
	return s.attempt.CurrentQuestionIndex
}

// SetCurrentIndex advances the index. Lower values are ignored and reported
// as false.
func (s *AttemptService) SetCurrentIndex(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil || i < s.attempt.CurrentQuestionIndex {
		return false
	}
	s.attempt.CurrentQuestionIndex = i
	return true
}

// OverrideCurrentIndex adopts a server-reported index, including lower ones.
func (s *AttemptService) OverrideCurrentIndex(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return
	}
	if i != s.attempt.CurrentQuestionIndex {
		s.log.Warn().
			Int("from", s.attempt.CurrentQuestionIndex).
			Int("to", i).
			Msg("Question index corrected by server")
	}
	s.attempt.CurrentQuestionIndex = i
}

// OnTerminal registers fn to run once when the attempt leaves in_progress.
func (s *AttemptService) OnTerminal(fn func(model.AttemptStatus)) {
	s.mu.Lock()
	s.onTerminal = append(s.onTerminal, fn)
	s.mu.Unlock()
}

// OnChange registers fn to run whenever the cached attempt is replaced.
func (s *AttemptService) OnChange(fn func(model.Attempt)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}
