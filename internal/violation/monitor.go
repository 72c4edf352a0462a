package violation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"k8s.io/utils/clock"
)

// Reporter is the REST path for violation reports.
type Reporter interface {
	ReportViolation(ctx context.Context, olympiadID string, req model.ViolationRequest) error
}

// PushSender is the write side of the push channel.
type PushSender interface {
	Send(v interface{}) error
	Connected() bool
}

// Monitor turns browser signals into violation reports. HandleSignal never
// blocks on the network: reports go through a bounded dispatch queue and
// failures are dropped after logging.
type Monitor struct {
	cfg      config.ViolationConfig
	reporter Reporter
	push     PushSender
	clock    clock.WithTicker
	log      zerolog.Logger

	mu           sync.Mutex
	olympiadID   string
	attemptID    string
	running      bool
	recent       map[string]int64
	ring         []model.Violation
	lastTiming   time.Duration
	devtoolsOpen bool
	queue        chan model.Violation
	cancel       context.CancelFunc
	poller       sync.WaitGroup
	dispatching  sync.WaitGroup
	onVisibility []func(hidden bool)
	onViolation  []func(model.Violation)
}

// NewMonitor creates a Monitor. push may be nil.
func NewMonitor(cfg config.ViolationConfig, reporter Reporter, push PushSender, clk clock.WithTicker, log zerolog.Logger) *Monitor {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 100
	}
	if cfg.RingRetain <= 0 || cfg.RingRetain > cfg.RingCapacity {
		cfg.RingRetain = cfg.RingCapacity / 2
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = 64
	}
	return &Monitor{
		cfg:      cfg,
		reporter: reporter,
		push:     push,
		clock:    clk,
		log:      log.With().Str("component", "violation_monitor").Logger(),
		recent:   make(map[string]int64),
	}
}

// Start attaches the monitor to an attempt and starts the dispatcher and
// the devtools poller.
func (m *Monitor) Start(ctx context.Context, olympiadID, attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.olympiadID = olympiadID
	m.attemptID = attemptID
	m.running = true
	m.cancel = cancel
	m.queue = make(chan model.Violation, m.cfg.DispatchBuffer)

	m.dispatching.Add(1)
	go m.dispatchLoop(ctx, m.queue, olympiadID, attemptID)
	if m.cfg.DevtoolsPoll > 0 {
		m.poller.Add(1)
		go m.pollDevtools(ctx)
	}
	m.log.Info().Str("olympiad_id", olympiadID).Msg("Monitor started")
}

// Stop detaches every listener and halts the poller. Reports already queued
// keep draining in the background; Stop never waits on the network.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.poller.Wait()
	m.log.Info().Msg("Monitor stopped")
}

// Wait blocks until queued reports are sent or ctx ends. Shutdown uses it
// to give the last reports a bounded chance.
func (m *Monitor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.dispatching.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnVisibility registers fn to run on page hide/show.
func (m *Monitor) OnVisibility(fn func(hidden bool)) {
	m.mu.Lock()
	m.onVisibility = append(m.onVisibility, fn)
	m.mu.Unlock()
}

// OnViolation registers fn to run for each recorded violation.
func (m *Monitor) OnViolation(fn func(model.Violation)) {
	m.mu.Lock()
	m.onViolation = append(m.onViolation, fn)
	m.mu.Unlock()
}

// HandleSignal maps one browser event. Suppression decisions are returned
// even when the monitor is stopped; reports are only made while running.
func (m *Monitor) HandleSignal(sig Signal) Decision {
	at := sig.At
	if at.IsZero() {
		at = m.clock.Now()
	}

	var (
		typ     model.ViolationType
		details = sig.Details
		dec     Decision
	)
	switch sig.Kind {
	case SignalHidden:
		typ = model.ViolationTabHidden
		m.visibility(true)
	case SignalVisible:
		typ = model.ViolationTabVisible
		m.visibility(false)
	case SignalBlur:
		typ = model.ViolationWindowBlur
	case SignalFocus:
		typ = model.ViolationWindowFocus
	case SignalCopy:
		typ = model.ViolationCopy
	case SignalPaste:
		typ = model.ViolationPaste
	case SignalContextMenu:
		typ = model.ViolationContextMenu
		dec = Decision{Suppress: true, Warning: warnContextMenu}
	case SignalKeyDown:
		if !sig.Blocked() {
			return Decision{}
		}
		typ = model.ViolationBlockedShortcut
		details = withDetail(details, "shortcut", sig.Combo())
		dec = Decision{Suppress: true, Warning: warnShortcut}
	case SignalDevtoolsTiming:
		m.mu.Lock()
		m.lastTiming = time.Duration(sig.ElapsedMs) * time.Millisecond
		m.mu.Unlock()
		return Decision{}
	default:
		return Decision{}
	}

	m.Record(typ, at, details)
	return dec
}

// Record files a violation unless one of the same type was filed in the
// current dedup window.
func (m *Monitor) Record(typ model.ViolationType, at time.Time, details map[string]any) bool {
	v := model.Violation{Type: typ, Timestamp: at, Details: details}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	bucket := at.UnixNano() / int64(m.cfg.DedupWindow)
	key := dedupKey(typ, bucket)
	if _, dup := m.recent[key]; dup {
		m.mu.Unlock()
		return false
	}
	m.recent[key] = bucket
	for k, b := range m.recent {
		if b < bucket-1 {
			delete(m.recent, k)
		}
	}

	m.ring = append(m.ring, v)
	if len(m.ring) > m.cfg.RingCapacity {
		m.ring = append([]model.Violation(nil), m.ring[len(m.ring)-m.cfg.RingRetain:]...)
	}

	queue := m.queue
	fns := append([]func(model.Violation){}, m.onViolation...)
	select {
	case queue <- v:
	default:
		m.log.Warn().Str("type", string(typ)).Msg("Dispatch queue full, violation dropped")
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return true
}

func dedupKey(typ model.ViolationType, bucket int64) string {
	return fmt.Sprintf("%s:%d", typ, bucket)
}

func withDetail(details map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(details)+1)
	for dk, dv := range details {
		out[dk] = dv
	}
	out[k] = v
	return out
}

func (m *Monitor) visibility(hidden bool) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	fns := append([]func(bool){}, m.onVisibility...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(hidden)
	}
}

// Recent returns the retained violations, oldest first.
func (m *Monitor) Recent() []model.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Violation(nil), m.ring...)
}

func (m *Monitor) dispatchLoop(ctx context.Context, queue chan model.Violation, olympiadID, attemptID string) {
	defer m.dispatching.Done()
	for {
		select {
		case v := <-queue:
			m.dispatch(olympiadID, attemptID, v)
		case <-ctx.Done():
			for {
				select {
				case v := <-queue:
					m.dispatch(olympiadID, attemptID, v)
				default:
					return
				}
			}
		}
	}
}

// dispatch sends v over the push channel and over REST. The two paths are
// independent and both swallow failures.
func (m *Monitor) dispatch(olympiadID, attemptID string, v model.Violation) {
	if m.push != nil && m.push.Connected() {
		err := m.push.Send(ws.ViolationReportRequest{
			Action:        ws.ActionViolationReport,
			OlympiadID:    olympiadID,
			AttemptID:     attemptID,
			ViolationType: string(v.Type),
			Timestamp:     v.Timestamp,
			Details:       v.Details,
		})
		if err != nil {
			m.log.Debug().Err(err).Str("type", string(v.Type)).Msg("Push violation report failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.reporter.ReportViolation(ctx, olympiadID, model.ViolationRequest{
		ViolationType: v.Type,
		Details:       v.Details,
	}); err != nil {
		m.log.Debug().Err(err).Str("type", string(v.Type)).Msg("REST violation report failed")
	}
}

// pollDevtools checks the latest timing sample; a sample above the threshold
// opens an episode, reported once until a sample falls back under it.
func (m *Monitor) pollDevtools(ctx context.Context) {
	defer m.poller.Done()
	t := m.clock.NewTicker(m.cfg.DevtoolsPoll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.checkDevtools()
		}
	}
}

func (m *Monitor) checkDevtools() {
	m.mu.Lock()
	open := m.lastTiming > m.cfg.DevtoolsThreshold
	opened := open && !m.devtoolsOpen
	m.devtoolsOpen = open
	timing := m.lastTiming
	m.mu.Unlock()

	if opened {
		m.Record(model.ViolationDevtoolsOpen, m.clock.Now(), map[string]any{"elapsedMs": timing.Milliseconds()})
	}
}
