package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(c string) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(c string) int {
	n := 0
	for _, got := range l.all() {
		if got == c {
			n++
		}
	}
	return n
}

type fakeCapture struct {
	log     *callLog
	mu      sync.Mutex
	open    bool
	bound   string
	reasons []string
}

func (c *fakeCapture) CanProceed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeCapture) Bind(olympiadID string) {
	c.mu.Lock()
	c.bound = olympiadID
	c.mu.Unlock()
}

func (c *fakeCapture) Stop(_ context.Context, reason string) capture.StopResult {
	c.log.add("capture.Stop")
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
	return capture.StopResult{}
}

func (c *fakeCapture) Close()                     { c.log.add("capture.Close") }
func (c *fakeCapture) CaptureExit() bool          { c.log.add("capture.Exit"); return true }
func (c *fakeCapture) ResetExitCapture()          { c.log.add("capture.ResetExit") }
func (c *fakeCapture) Snapshot() capture.Snapshot { return capture.Snapshot{Recording: true} }

type fakeMonitor struct {
	log      *callLog
	mu       sync.Mutex
	attempt  string
	recorded []model.ViolationType
}

func (m *fakeMonitor) Start(_ context.Context, _, attemptID string) {
	m.mu.Lock()
	m.attempt = attemptID
	m.mu.Unlock()
}

func (m *fakeMonitor) Stop() { m.log.add("monitor.Stop") }

func (m *fakeMonitor) Record(typ model.ViolationType, _ time.Time, _ map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, typ)
	return true
}

type fakeDraftAutosaver struct {
	log    *callLog
	mu     sync.Mutex
	bound  string
	online []bool
}

func (a *fakeDraftAutosaver) Schedule(model.Answers)      {}
func (a *fakeDraftAutosaver) Flush(context.Context) error { return nil }
func (a *fakeDraftAutosaver) FlushPending()               { a.log.add("autosave.FlushPending") }

func (a *fakeDraftAutosaver) Bind(_ context.Context, olympiadID string) {
	a.mu.Lock()
	a.bound = olympiadID
	a.mu.Unlock()
}

func (a *fakeDraftAutosaver) SetOnline(online bool) {
	a.mu.Lock()
	a.online = append(a.online, online)
	a.mu.Unlock()
}

type fakeSubscriber struct {
	handlers map[ws.Event]ws.Handler
	conn     func(bool)
}

func (s *fakeSubscriber) On(ev ws.Event, h ws.Handler)     { s.handlers[ev] = h }
func (s *fakeSubscriber) OnConnectionChange(fn func(bool)) { s.conn = fn }

type proctorHarness struct {
	srv      *fakeServer
	clk      *testingclock.FakeClock
	timer    *TimerService
	capture  *fakeCapture
	monitor  *fakeMonitor
	autosave *fakeDraftAutosaver
	store    *repository.MemoryDraftRepository
	hub      *EventHub
	log      *callLog
	p        *ProctorService
}

func newProctor(t *testing.T, a model.Attempt) *proctorHarness {
	t.Helper()
	h := &proctorHarness{
		srv:   newFakeServer(a),
		clk:   testingclock.NewFakeClock(t0),
		store: repository.NewMemoryDraftRepository(),
		hub:   NewEventHub(64),
		log:   &callLog{},
	}
	h.capture = &fakeCapture{log: h.log, open: true}
	h.monitor = &fakeMonitor{log: h.log}
	h.autosave = &fakeDraftAutosaver{log: h.log}

	h.timer = NewTimerService(h.clk, config.TimerConfig{TickInterval: time.Second}, nil, quiet)
	session := NewAttemptService(h.srv, h.timer, "fp", quiet)
	progression := NewProgressionService(h.srv, session, h.capture, "fp", quiet)
	recovery := NewRecoveryService(h.store, h.srv, session, h.timer, h.autosave, nil, h.clk, quiet)
	h.p = NewProctorService(session, h.timer, progression, recovery, h.autosave, h.capture, h.monitor, h.hub, h.clk, quiet)
	return h
}

func (h *proctorHarness) begin(t *testing.T) {
	t.Helper()
	_, err := h.p.Begin(context.Background(), "olymp-1", true, model.ProctoringStatusReady)
	require.NoError(t, err)
}

func waitDone(t *testing.T, ch <-chan Event) StopReport {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventAttemptDone {
				return ev.Data.(StopReport)
			}
		case <-deadline:
			t.Fatal("attempt never stopped")
			return StopReport{}
		}
	}
}

func TestProctor_BeginStartsComponents(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	h.begin(t)
	defer h.p.Stop(context.Background(), "test")

	assert.Equal(t, "olymp-1", h.capture.bound)
	assert.Equal(t, "olymp-1", h.autosave.bound)
	assert.Equal(t, "att-1", h.monitor.attempt)

	snap := h.p.Snapshot()
	require.NotNil(t, snap.Attempt)
	assert.Equal(t, "att-1", snap.Attempt.ID)
	assert.Equal(t, 3600, snap.Timer.RemainingSeconds)
	require.NotNil(t, snap.Progression.Question)
	assert.Equal(t, "q0", snap.Progression.Question.Question.ID)
	assert.True(t, snap.CanProceed)
	assert.False(t, snap.Stopped)
}

func TestProctor_BeginRejectsClosedAttempt(t *testing.T) {
	a := activeAttempt(0)
	a.Status = model.AttemptStatusExpired
	h := newProctor(t, a)

	_, err := h.p.Begin(context.Background(), "olymp-1", false, "")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, h.monitor.attempt)
}

func TestProctor_ExpirySubmitsPendingThenStops(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	events, cancel := h.hub.Subscribe()
	defer cancel()
	h.begin(t)

	require.NoError(t, h.p.RecordAnswer(context.Background(), "q0", json.RawMessage(`"X"`)))

	h.clk.Step(time.Hour)
	h.timer.Tick()

	report := waitDone(t, events)
	assert.Equal(t, "time_expired", report.Reason)

	reqs := h.srv.answerRequests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `"X"`, string(reqs[0].Answer))
	assert.True(t, h.p.Progression().Finished())

	assert.Equal(t, []string{"monitor.Stop", "capture.Stop", "autosave.FlushPending", "capture.Close"}, h.log.all())
	assert.True(t, h.p.Snapshot().Stopped)
}

func TestProctor_ExpiryWithoutPendingSkips(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	events, cancel := h.hub.Subscribe()
	defer cancel()
	h.begin(t)

	h.clk.Step(time.Hour)
	h.timer.Tick()
	waitDone(t, events)

	skips := h.srv.skipRequests()
	require.Len(t, skips, 1)
	assert.Equal(t, SkipReasonTimeExpired, skips[0].Reason)
}

func TestProctor_TerminatedByPushStops(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	events, cancel := h.hub.Subscribe()
	defer cancel()
	sub := &fakeSubscriber{handlers: map[ws.Event]ws.Handler{}}
	h.p.AttachPush(context.Background(), sub)
	h.begin(t)

	raw, _ := json.Marshal(ws.AttemptUpdate{Event: ws.EventAttemptUpdate, AttemptID: "att-1", Status: "terminated"})
	sub.handlers[ws.EventAttemptUpdate](ws.Message{Event: ws.EventAttemptUpdate, Raw: raw})

	report := waitDone(t, events)
	assert.Equal(t, "terminated", report.Reason)
	assert.True(t, h.p.Attempt().IsTerminated())
}

func TestProctor_PushForOtherAttemptIgnored(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	sub := &fakeSubscriber{handlers: map[ws.Event]ws.Handler{}}
	h.p.AttachPush(context.Background(), sub)
	h.begin(t)
	defer h.p.Stop(context.Background(), "test")

	raw, _ := json.Marshal(ws.AttemptUpdate{Event: ws.EventAttemptUpdate, AttemptID: "att-9", Status: "terminated"})
	sub.handlers[ws.EventAttemptUpdate](ws.Message{Event: ws.EventAttemptUpdate, Raw: raw})
	assert.True(t, h.p.Attempt().IsActive())
}

func TestProctor_PushEdgesLeaveAutosaveAlone(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	sub := &fakeSubscriber{handlers: map[ws.Event]ws.Handler{}}
	h.p.AttachPush(context.Background(), sub)

	sub.conn(false)
	assert.Equal(t, DisconnectWarning, h.p.Recovery().Warning())

	h.autosave.mu.Lock()
	assert.Empty(t, h.autosave.online)
	h.autosave.mu.Unlock()

	sub.conn(true)
	assert.Empty(t, h.p.Recovery().Warning())
}

func TestProctor_NetworkSignalIsIndependentOfPush(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	sub := &fakeSubscriber{handlers: map[ws.Event]ws.Handler{}}
	h.p.AttachPush(context.Background(), sub)

	// Push down while REST still works: saves keep going out.
	sub.conn(false)
	h.p.SetNetworkOnline(true)
	assert.Equal(t, DisconnectWarning, h.p.Recovery().Warning())

	// Browser offline while the push channel is up: no disconnect warning.
	sub.conn(true)
	h.p.SetNetworkOnline(false)
	assert.Empty(t, h.p.Recovery().Warning())

	h.autosave.mu.Lock()
	defer h.autosave.mu.Unlock()
	assert.Equal(t, []bool{true, false}, h.autosave.online)
}

func TestProctor_StopRunsOnce(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	h.begin(t)

	first := h.p.Stop(context.Background(), "submitted")
	second := h.p.Stop(context.Background(), "time_expired")
	assert.Equal(t, "submitted", first.Reason)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.log.count("capture.Stop"))
}

func TestProctor_VisibilityDrivesExitCapture(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	h.p.HandleVisibility(true)
	h.p.HandleVisibility(false)
	assert.Equal(t, []string{"capture.Exit", "capture.ResetExit"}, h.log.all())
}

func TestProctor_ScreenTrackEndedIsViolation(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	h.p.HandleTrackEnded(model.StreamCamera)
	h.p.HandleTrackEnded(model.StreamScreen)
	assert.Equal(t, []model.ViolationType{model.ViolationShareStopped}, h.monitor.recorded)
}

func TestProctor_SubmitKeepsLocalCopy(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	h.begin(t)
	defer h.p.Stop(context.Background(), "test")

	res, err := h.p.Submit(context.Background(), json.RawMessage(`"A"`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.NextQuestionIndex)

	d, err := h.store.Get(context.Background(), "olymp-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(d.Answers["q0"]))
}

func TestProctor_LastAnswerCompletes(t *testing.T) {
	h := newProctor(t, activeAttempt(0))
	events, cancel := h.hub.Subscribe()
	defer cancel()
	h.srv.answerQ = []scripted{{res: &model.AnswerResult{NextQuestionIndex: 0, IsLastQuestion: true}}}
	h.begin(t)

	_, err := h.p.Submit(context.Background(), json.RawMessage(`"A"`))
	require.NoError(t, err)
	assert.Equal(t, "completed", waitDone(t, events).Reason)
}
