package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"k8s.io/utils/clock"
)

// EndsAtSource returns the server's current end time for the attempt.
type EndsAtSource interface {
	FetchEndsAt(ctx context.Context) (time.Time, error)
}

// PushSender is the write side of the push channel.
type PushSender interface {
	Send(v interface{}) error
	Connected() bool
}

// TimerState is a snapshot of the countdown.
type TimerState struct {
	RemainingSeconds int       `json:"remainingSeconds"`
	Expired          bool      `json:"expired"`
	Synced           bool      `json:"synced"`
	EndsAt           time.Time `json:"endsAt"`
}

// TimerService is the server-authoritative countdown. remainingSeconds is
// always recomputed from endsAt and the clock, never decremented.
type TimerService struct {
	clock clock.WithTicker
	cfg   config.TimerConfig
	push  PushSender
	log   zerolog.Logger

	mu        sync.Mutex
	source    EndsAtSource
	attemptID string
	endsAt    time.Time
	bound     bool
	remaining int
	expired   bool
	synced    bool
	onExpire  []func()
	onChange  []func(TimerState)
}

// NewTimerService creates a TimerService. push may be nil.
func NewTimerService(clk clock.WithTicker, cfg config.TimerConfig, push PushSender, log zerolog.Logger) *TimerService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &TimerService{
		clock: clk,
		cfg:   cfg,
		push:  push,
		log:   log.With().Str("component", "timer").Logger(),
	}
}

// SetSource sets the REST resync source.
func (s *TimerService) SetSource(src EndsAtSource) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Bind attaches the timer to an attempt and its initial endsAt.
func (s *TimerService) Bind(attemptID string, endsAt time.Time) {
	s.mu.Lock()
	s.attemptID = attemptID
	s.mu.Unlock()
	s.ApplyServerEndsAt(endsAt)
}

// ApplyServerEndsAt replaces endsAt with the server's value and recomputes.
// The server value always wins, even when it moves the deadline earlier.
func (s *TimerService) ApplyServerEndsAt(endsAt time.Time) {
	s.mu.Lock()
	if s.bound && endsAt.Before(s.endsAt) {
		s.log.Warn().
			Time("previous", s.endsAt).
			Time("server", endsAt).
			Msg("Server moved endsAt earlier")
	}
	s.endsAt = endsAt
	s.bound = true
	s.synced = true
	s.mu.Unlock()

	s.Tick()
}

// Tick recomputes remainingSeconds = max(0, floor((endsAt-now)/1s)) and
// fires the expiry callbacks on the first zero.
func (s *TimerService) Tick() {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return
	}

	remaining := int(s.endsAt.Sub(s.clock.Now()) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	s.remaining = remaining

	fire := remaining == 0 && !s.expired
	if fire {
		s.expired = true
	}
	state := s.stateLocked()
	expireFns := append([]func(){}, s.onExpire...)
	changeFns := append([]func(TimerState){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range changeFns {
		fn(state)
	}
	if fire {
		s.log.Info().Msg("Attempt time expired")
		for _, fn := range expireFns {
			fn()
		}
	}
}

// Resync fetches endsAt from the server and asks the push channel for a
// timer-sync-response. Failures leave the local tick running.
func (s *TimerService) Resync(ctx context.Context) error {
	s.mu.Lock()
	src := s.source
	attemptID := s.attemptID
	s.mu.Unlock()

	if s.push != nil && s.push.Connected() && attemptID != "" {
		if err := s.push.Send(ws.TimerSyncRequest{Action: ws.ActionTimerSync, AttemptID: attemptID}); err != nil {
			s.log.Debug().Err(err).Msg("Push timer-sync failed")
		}
	}

	if src == nil {
		return nil
	}
	endsAt, err := src.FetchEndsAt(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("Timer resync failed")
		return err
	}
	s.ApplyServerEndsAt(endsAt)
	return nil
}

// Run resyncs once, then ticks and resyncs on their intervals until ctx ends.
func (s *TimerService) Run(ctx context.Context) {
	go func() { _ = s.Resync(ctx) }()

	tick := s.clock.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	var resyncC <-chan time.Time
	if s.cfg.ResyncInterval > 0 {
		resync := s.clock.NewTicker(s.cfg.ResyncInterval)
		defer resync.Stop()
		resyncC = resync.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C():
			s.Tick()
		case <-resyncC:
			go func() { _ = s.Resync(ctx) }()
		}
	}
}

// HandlePush consumes timer events from the push channel.
func (s *TimerService) HandlePush(msg ws.Message) {
	switch msg.Event {
	case ws.EventTimerSyncResponse:
		var resp ws.TimerSyncResponse
		if err := json.Unmarshal(msg.Raw, &resp); err != nil || resp.EndsAt.IsZero() {
			s.log.Debug().Err(err).Msg("Ignoring malformed timer-sync-response")
			return
		}
		s.ApplyServerEndsAt(resp.EndsAt)
	case ws.EventTimerUpdate:
		var upd ws.TimerUpdate
		if err := json.Unmarshal(msg.Raw, &upd); err != nil || upd.EndsAt.IsZero() {
			s.log.Debug().Err(err).Msg("Ignoring malformed timer-update")
			return
		}
		s.mu.Lock()
		mine := upd.AttemptID == "" || upd.AttemptID == s.attemptID
		s.mu.Unlock()
		if mine {
			s.ApplyServerEndsAt(upd.EndsAt)
		}
	}
}

// OnExpire registers fn to run once, at the first zero.
func (s *TimerService) OnExpire(fn func()) {
	s.mu.Lock()
	s.onExpire = append(s.onExpire, fn)
	s.mu.Unlock()
}

// OnChange registers fn to run after every recompute.
func (s *TimerService) OnChange(fn func(TimerState)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// State returns the current countdown snapshot.
func (s *TimerService) State() TimerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *TimerService) stateLocked() TimerState {
	return TimerState{
		RemainingSeconds: s.remaining,
		Expired:          s.expired,
		Synced:           s.synced,
		EndsAt:           s.endsAt,
	}
}

// Remaining returns the whole seconds left on the countdown.
func (s *TimerService) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Expired reports whether the countdown has reached zero.
func (s *TimerService) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}
