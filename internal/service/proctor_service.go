package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"k8s.io/utils/clock"
)

// Capture is the part of the capture engine the attempt lifecycle drives.
type Capture interface {
	Gate
	Bind(olympiadID string)
	Stop(ctx context.Context, reason string) capture.StopResult
	Close()
	CaptureExit() bool
	ResetExitCapture()
	Snapshot() capture.Snapshot
}

// Monitor is the part of the violation monitor the lifecycle drives.
type Monitor interface {
	Start(ctx context.Context, olympiadID, attemptID string)
	Stop()
	Record(typ model.ViolationType, at time.Time, details map[string]any) bool
}

// DraftAutosaver is the autosave worker as seen by the lifecycle.
type DraftAutosaver interface {
	Autosaver
	Bind(ctx context.Context, olympiadID string)
	FlushPending()
	SetOnline(online bool)
}

// PushSubscriber is the read side of the push channel.
type PushSubscriber interface {
	On(ev ws.Event, h ws.Handler)
	OnConnectionChange(fn func(connected bool))
}

// Snapshot is everything the shell renders, in one read.
type Snapshot struct {
	Attempt     *model.Attempt      `json:"attempt"`
	Timer       TimerState          `json:"timer"`
	Progression ProgressionSnapshot `json:"progression"`
	CanProceed  bool                `json:"canProceed"`
	Warning     string              `json:"warning,omitempty"`
	Capture     capture.Snapshot    `json:"capture"`
	Stopped     bool                `json:"stopped"`
}

// NetworkState is the browser's last online/offline signal.
type NetworkState struct {
	Online bool `json:"online"`
}

// StopReport is published once the attempt's capture is shut down.
type StopReport struct {
	Reason      string `json:"reason"`
	CameraError string `json:"cameraError,omitempty"`
	ScreenError string `json:"screenError,omitempty"`
}

// ProctorService runs one attempt from start to teardown.
type ProctorService struct {
	attempt     *AttemptService
	timer       *TimerService
	progression *ProgressionService
	recovery    *RecoveryService
	autosave    DraftAutosaver
	capture     Capture
	monitor     Monitor
	hub         *EventHub
	clock       clock.PassiveClock
	log         zerolog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	runCtx     context.Context
	started    bool
	stopOnce   sync.Once
	stopDone   chan struct{}
	stopReport *StopReport
	pendingQID string
	pending    json.RawMessage
}

// NewProctorService wires the attempt components together.
func NewProctorService(
	attempt *AttemptService,
	timer *TimerService,
	progression *ProgressionService,
	recovery *RecoveryService,
	autosave DraftAutosaver,
	capt Capture,
	monitor Monitor,
	hub *EventHub,
	clk clock.PassiveClock,
	log zerolog.Logger,
) *ProctorService {
	p := &ProctorService{
		attempt:     attempt,
		timer:       timer,
		progression: progression,
		recovery:    recovery,
		autosave:    autosave,
		capture:     capt,
		monitor:     monitor,
		hub:         hub,
		clock:       clk,
		log:         log.With().Str("component", "proctor").Logger(),
		stopDone:    make(chan struct{}),
	}

	timer.OnExpire(p.handleExpire)
	timer.OnChange(func(st TimerState) { hub.Publish(EventTimer, st) })
	attempt.OnTerminal(p.handleTerminal)
	attempt.OnChange(func(a model.Attempt) { hub.Publish(EventAttempt, a) })
	progression.OnChange(func(s ProgressionSnapshot) {
		hub.Publish(EventQuestion, s)
		if s.Finished && !timer.Expired() {
			go p.Stop(context.Background(), "completed")
		}
	})
	recovery.OnConnection(func(connected bool, warning string) {
		hub.Publish(EventConnection, map[string]any{"connected": connected, "warning": warning})
	})
	recovery.OnSync(func(r SyncReport) { hub.Publish(EventSync, r) })

	return p
}

// AttachPush routes push-channel events into the attempt components.
func (p *ProctorService) AttachPush(ctx context.Context, push PushSubscriber) {
	push.On(ws.EventTimerSyncResponse, p.timer.HandlePush)
	push.On(ws.EventTimerUpdate, p.timer.HandlePush)
	push.On(ws.EventAttemptUpdate, p.handleAttemptUpdate)
	push.On(ws.EventError, func(msg ws.Message) {
		var e ws.ErrorResponse
		_ = json.Unmarshal(msg.Raw, &e)
		p.log.Warn().Str("error", e.Error).Msg("Push channel rejected an action")
	})
	// Push edges drive recovery only; the autosave queue follows the
	// shell's network signal (SetNetworkOnline).
	push.OnConnectionChange(func(connected bool) {
		p.recovery.HandleConnection(ctx, connected)
	})
}

// SetNetworkOnline forwards the browser's online/offline transitions to the
// autosave queue. Going online drains whatever was queued.
func (p *ProctorService) SetNetworkOnline(online bool) {
	p.log.Info().Bool("online", online).Msg("Network signal from shell")
	p.autosave.SetOnline(online)
	p.hub.Publish(EventNetwork, NetworkState{Online: online})
}

func (p *ProctorService) handleAttemptUpdate(msg ws.Message) {
	var upd ws.AttemptUpdate
	if err := json.Unmarshal(msg.Raw, &upd); err != nil {
		p.log.Debug().Err(err).Msg("Ignoring malformed attempt-update")
		return
	}
	if upd.AttemptID != "" && upd.AttemptID != p.attempt.AttemptID() {
		return
	}
	p.attempt.ApplyStatus(model.AttemptStatus(upd.Status))
}

// Begin opens (start=true) or resumes the attempt and starts every
// component. Background loops outlive ctx until Stop.
func (p *ProctorService) Begin(ctx context.Context, olympiadID string, start bool, status model.ProctoringStatus) (*model.Attempt, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return p.attempt.Attempt(), nil
	}
	p.mu.Unlock()

	var (
		a   *model.Attempt
		err error
	)
	if start {
		a, err = p.attempt.Start(ctx, olympiadID, status)
	} else {
		a, err = p.attempt.Load(ctx, olympiadID)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case a.IsExpired():
		return a, ErrSessionExpired
	case a.IsTerminated():
		return a, ErrSessionTerminated
	case a.IsCompleted():
		return a, ErrAttemptFinished
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return a, nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.runCtx, p.cancel, p.started = runCtx, cancel, true
	p.mu.Unlock()

	p.capture.Bind(olympiadID)
	p.autosave.Bind(runCtx, olympiadID)
	p.monitor.Start(runCtx, olympiadID, a.ID)
	go p.timer.Run(runCtx)

	if _, err := p.recovery.Restore(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Draft restore failed")
	}
	p.recovery.Rejoin()

	if _, err := p.progression.Open(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Initial question fetch failed")
	}

	p.log.Info().
		Str("olympiad_id", olympiadID).
		Str("attempt_id", a.ID).
		Time("ends_at", a.EndsAt).
		Msg("Attempt running")
	return a, nil
}

// RecordAnswer stores an edit durably and remembers it as the pending
// answer of the current question for forced submission.
func (p *ProctorService) RecordAnswer(ctx context.Context, questionID string, answer json.RawMessage) error {
	if err := p.recovery.RecordAnswer(ctx, questionID, answer); err != nil {
		return err
	}
	if cur := p.progression.Current(); cur != nil && cur.Question.ID == questionID {
		p.mu.Lock()
		p.pendingQID, p.pending = questionID, answer
		p.mu.Unlock()
	}
	return nil
}

// Submit records the answer locally, then submits it for the current index.
func (p *ProctorService) Submit(ctx context.Context, answer json.RawMessage) (*model.AnswerResult, error) {
	cur := p.progression.Current()
	if cur != nil {
		if err := p.recovery.RecordAnswer(ctx, cur.Question.ID, answer); err != nil {
			p.log.Error().Err(err).Msg("Answer not stored locally")
		}
	}
	res, err := p.progression.Submit(ctx, answer)
	if err == nil {
		p.clearPending()
	}
	return res, err
}

// Skip leaves the current question unanswered.
func (p *ProctorService) Skip(ctx context.Context, reason string) (*model.AnswerResult, error) {
	res, err := p.progression.Skip(ctx, reason)
	if err == nil {
		p.clearPending()
	}
	return res, err
}

func (p *ProctorService) clearPending() {
	p.mu.Lock()
	p.pendingQID, p.pending = "", nil
	p.mu.Unlock()
}

func (p *ProctorService) pendingAnswer() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.progression.Current(); cur == nil || cur.Question.ID != p.pendingQID {
		return nil
	}
	return p.pending
}

func (p *ProctorService) handleExpire() {
	go func() {
		ctx := p.context()
		if err := p.progression.ForceFinish(ctx, p.pendingAnswer()); err != nil {
			p.log.Error().Err(err).Msg("Forced submission on expiry failed")
		}
		p.Stop(ctx, "time_expired")
	}()
}

func (p *ProctorService) handleTerminal(status model.AttemptStatus) {
	go p.Stop(p.context(), string(status))
}

// HandleVisibility drives the exit capture: one capture per hidden
// episode, re-armed when the page is visible again.
func (p *ProctorService) HandleVisibility(hidden bool) {
	if hidden {
		if p.capture.CaptureExit() {
			p.log.Info().Msg("Exit capture sent")
		}
		return
	}
	p.capture.ResetExitCapture()
}

// HandleTrackEnded files the revoked screen share as a violation.
func (p *ProctorService) HandleTrackEnded(kind model.StreamKind) {
	if kind == model.StreamScreen {
		p.monitor.Record(model.ViolationShareStopped, p.clock.Now(), nil)
	}
}

// Stop shuts the attempt down once: violation monitor, then capture
// (realtime loop, recorders, uploads), then the pending autosave, then the
// background loops. Later calls wait for the first.
func (p *ProctorService) Stop(ctx context.Context, reason string) StopReport {
	p.stopOnce.Do(func() {
		p.log.Info().Str("reason", reason).Msg("Stopping attempt")

		p.monitor.Stop()
		res := p.capture.Stop(ctx, reason)
		p.autosave.FlushPending()

		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.capture.Close()

		report := StopReport{Reason: reason}
		if res.Camera != nil {
			report.CameraError = res.Camera.Error()
		}
		if res.Screen != nil {
			report.ScreenError = res.Screen.Error()
		}

		p.mu.Lock()
		p.stopReport = &report
		p.mu.Unlock()
		close(p.stopDone)

		p.hub.Publish(EventAttemptDone, report)
	})
	<-p.stopDone

	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.stopReport
}

// Finish ends the attempt on the student's explicit request.
func (p *ProctorService) Finish(ctx context.Context) (StopReport, error) {
	if p.attempt.OlympiadID() == "" {
		return StopReport{}, ErrNoAttempt
	}
	report := p.Stop(ctx, "submitted")
	if _, err := p.attempt.Refresh(ctx); err != nil {
		return report, fmt.Errorf("finish: %w", err)
	}
	return report, nil
}

// Question returns the current question, fetching it when none is held.
func (p *ProctorService) Question(ctx context.Context) (*model.QuestionView, error) {
	if cur := p.progression.Current(); cur != nil {
		return cur, nil
	}
	return p.progression.Open(ctx)
}

// Review returns an earlier question read-only.
func (p *ProctorService) Review(index int) (*model.QuestionView, error) {
	return p.progression.Review(index)
}

// CanProceed is the interaction gate.
func (p *ProctorService) CanProceed() bool {
	return p.capture.CanProceed()
}

// Snapshot returns the full observable state.
func (p *ProctorService) Snapshot() Snapshot {
	p.mu.Lock()
	stopped := p.stopReport != nil
	p.mu.Unlock()
	return Snapshot{
		Attempt:     p.attempt.Attempt(),
		Timer:       p.timer.State(),
		Progression: p.progression.Snapshot(),
		CanProceed:  p.capture.CanProceed(),
		Warning:     p.recovery.Warning(),
		Capture:     p.capture.Snapshot(),
		Stopped:     stopped,
	}
}

// Attempt exposes the session manager.
func (p *ProctorService) Attempt() *AttemptService { return p.attempt }

// Progression exposes the question controller.
func (p *ProctorService) Progression() *ProgressionService { return p.progression }

// Recovery exposes the recovery coordinator.
func (p *ProctorService) Recovery() *RecoveryService { return p.recovery }

func (p *ProctorService) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx != nil {
		return context.WithoutCancel(p.runCtx)
	}
	return context.Background()
}
