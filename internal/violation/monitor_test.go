package violation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeReporter struct {
	mu    sync.Mutex
	got   []model.ViolationType
	err   error
	block chan struct{}
}

func (r *fakeReporter) ReportViolation(_ context.Context, _ string, req model.ViolationRequest) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, req.ViolationType)
	return r.err
}

func (r *fakeReporter) types() []model.ViolationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ViolationType(nil), r.got...)
}

type fakePush struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []ws.ViolationReportRequest
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Send(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req, ok := v.(ws.ViolationReportRequest); ok {
		p.sent = append(p.sent, req)
	}
	return p.err
}

func (p *fakePush) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testConfig() config.ViolationConfig {
	return config.ViolationConfig{
		DedupWindow:       5 * time.Second,
		RingCapacity:      100,
		RingRetain:        50,
		DevtoolsPoll:      2 * time.Second,
		DevtoolsThreshold: 100 * time.Millisecond,
		DispatchBuffer:    256,
	}
}

func newMonitor(t *testing.T, cfg config.ViolationConfig, rep *fakeReporter, push *fakePush) (*Monitor, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(t0)
	var p PushSender
	if push != nil {
		p = push
	}
	m := NewMonitor(cfg, rep, p, clk, zerolog.New(io.Discard))
	m.Start(context.Background(), "olym-1", "att-1")
	t.Cleanup(m.Stop)
	return m, clk
}

func stopAndDrain(t *testing.T, m *Monitor) {
	t.Helper()
	m.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestMonitor_DedupWithinWindow(t *testing.T) {
	rep := &fakeReporter{}
	m, _ := newMonitor(t, testConfig(), rep, nil)

	assert.True(t, m.Record(model.ViolationTabHidden, t0, nil))
	assert.False(t, m.Record(model.ViolationTabHidden, t0.Add(2*time.Second), nil), "same type, same window")
	assert.True(t, m.Record(model.ViolationWindowBlur, t0.Add(2*time.Second), nil), "other type is independent")
	assert.True(t, m.Record(model.ViolationTabHidden, t0.Add(6*time.Second), nil), "next window")

	stopAndDrain(t, m)
	assert.Equal(t, []model.ViolationType{
		model.ViolationTabHidden, model.ViolationWindowBlur, model.ViolationTabHidden,
	}, rep.types())
}

func TestMonitor_RingTrimsToRetained(t *testing.T) {
	m, _ := newMonitor(t, testConfig(), &fakeReporter{}, nil)

	for i := 0; i < 101; i++ {
		require.True(t, m.Record(model.ViolationCopy, t0.Add(time.Duration(i)*5*time.Second), nil))
	}
	recent := m.Recent()
	require.Len(t, recent, 50)
	assert.True(t, recent[49].Timestamp.Equal(t0.Add(100*5*time.Second)), "newest entries are kept")

	for i := 101; i < 151; i++ {
		m.Record(model.ViolationCopy, t0.Add(time.Duration(i)*5*time.Second), nil)
	}
	assert.Len(t, m.Recent(), 100)
}

func TestMonitor_DispatchPushAndRESTIndependently(t *testing.T) {
	rep := &fakeReporter{err: errors.New("server down")}
	push := &fakePush{connected: true, err: errors.New("write failed")}
	m, _ := newMonitor(t, testConfig(), rep, push)

	m.Record(model.ViolationPaste, t0, map[string]any{"length": 12})
	stopAndDrain(t, m)

	assert.Equal(t, 1, push.count())
	assert.Equal(t, []model.ViolationType{model.ViolationPaste}, rep.types())
	assert.Equal(t, "att-1", push.sent[0].AttemptID)
	assert.Equal(t, ws.ActionViolationReport, push.sent[0].Action)
}

func TestMonitor_DisconnectedSkipsPush(t *testing.T) {
	rep := &fakeReporter{}
	push := &fakePush{connected: false}
	m, _ := newMonitor(t, testConfig(), rep, push)

	m.Record(model.ViolationCopy, t0, nil)
	stopAndDrain(t, m)

	assert.Zero(t, push.count())
	assert.Len(t, rep.types(), 1)
}

func TestMonitor_HandleSignalNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchBuffer = 1
	rep := &fakeReporter{block: make(chan struct{})}
	m, _ := newMonitor(t, cfg, rep, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			m.HandleSignal(Signal{Kind: SignalCopy, At: t0.Add(time.Duration(i) * 5 * time.Second)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleSignal blocked on a stalled reporter")
	}
	close(rep.block)
}

func TestMonitor_Suppression(t *testing.T) {
	m, _ := newMonitor(t, testConfig(), &fakeReporter{}, nil)

	dec := m.HandleSignal(Signal{Kind: SignalKeyDown, Key: "I", Ctrl: true, Shift: true, At: t0})
	assert.True(t, dec.Suppress)
	assert.Equal(t, warnShortcut, dec.Warning)

	dec = m.HandleSignal(Signal{Kind: SignalKeyDown, Key: "F12", At: t0})
	assert.True(t, dec.Suppress)

	dec = m.HandleSignal(Signal{Kind: SignalKeyDown, Key: "a", At: t0})
	assert.Equal(t, Decision{}, dec)

	dec = m.HandleSignal(Signal{Kind: SignalContextMenu, At: t0})
	assert.True(t, dec.Suppress)
	assert.Equal(t, warnContextMenu, dec.Warning)

	recent := m.Recent()
	require.Len(t, recent, 2, "F12 shares the blocked_shortcut window with ctrl+shift+i")
	assert.Equal(t, model.ViolationBlockedShortcut, recent[0].Type)
	assert.Equal(t, "ctrl+shift+i", recent[0].Details["shortcut"])
	assert.Equal(t, model.ViolationContextMenu, recent[1].Type)
}

func TestSignal_Combo(t *testing.T) {
	assert.Equal(t, "ctrl+shift+j", Signal{Key: "J", Ctrl: true, Shift: true}.Combo())
	assert.Equal(t, "meta+alt+i", Signal{Key: "i", Meta: true, Alt: true}.Combo())
	assert.True(t, Signal{Key: "PrintScreen"}.Blocked())
	assert.False(t, Signal{Key: "c", Ctrl: true}.Blocked())
}

func TestMonitor_VisibilityHook(t *testing.T) {
	m, _ := newMonitor(t, testConfig(), &fakeReporter{}, nil)

	var seen []bool
	m.OnVisibility(func(hidden bool) { seen = append(seen, hidden) })

	m.HandleSignal(Signal{Kind: SignalHidden, At: t0})
	m.HandleSignal(Signal{Kind: SignalVisible, At: t0.Add(time.Second)})

	assert.Equal(t, []bool{true, false}, seen)
}

func TestMonitor_DevtoolsEpisodes(t *testing.T) {
	m, clk := newMonitor(t, testConfig(), &fakeReporter{}, nil)

	countDevtools := func() int {
		n := 0
		for _, v := range m.Recent() {
			if v.Type == model.ViolationDevtoolsOpen {
				n++
			}
		}
		return n
	}

	m.HandleSignal(Signal{Kind: SignalDevtoolsTiming, ElapsedMs: 250})
	assert.Eventually(t, func() bool {
		clk.Step(2 * time.Second)
		return countDevtools() == 1
	}, time.Second, 5*time.Millisecond)

	// Still open: no second report, even across dedup windows.
	for i := 0; i < 5; i++ {
		clk.Step(2 * time.Second)
		m.checkDevtools()
	}
	assert.Equal(t, 1, countDevtools())

	m.HandleSignal(Signal{Kind: SignalDevtoolsTiming, ElapsedMs: 5})
	m.checkDevtools()
	clk.Step(10 * time.Second)
	m.HandleSignal(Signal{Kind: SignalDevtoolsTiming, ElapsedMs: 300})
	m.checkDevtools()
	assert.Equal(t, 2, countDevtools())
}

func TestMonitor_StopDoesNotWaitForReports(t *testing.T) {
	rep := &fakeReporter{block: make(chan struct{})}
	m, _ := newMonitor(t, testConfig(), rep, nil)

	m.Record(model.ViolationCopy, t0, nil)
	m.Record(model.ViolationPaste, t0, nil)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited on a stalled reporter")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(short), context.DeadlineExceeded)

	// Queued reports still go out once the server answers.
	close(rep.block)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, m.Wait(ctx))
	assert.ElementsMatch(t, []model.ViolationType{model.ViolationCopy, model.ViolationPaste}, rep.types())
}

func TestMonitor_StoppedRecordsNothing(t *testing.T) {
	rep := &fakeReporter{}
	m, _ := newMonitor(t, testConfig(), rep, nil)
	m.Stop()

	assert.False(t, m.Record(model.ViolationCopy, t0, nil))
	dec := m.HandleSignal(Signal{Kind: SignalContextMenu, At: t0})
	assert.True(t, dec.Suppress, "suppression outlives the monitor")
	assert.Empty(t, rep.types())
}
