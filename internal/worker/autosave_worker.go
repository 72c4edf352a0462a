package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"k8s.io/utils/clock"
)

// DraftSaver delivers a draft snapshot to the exam server.
type DraftSaver interface {
	SaveDraft(ctx context.Context, olympiadID string, answers model.Answers) error
}

// AutosaveWorker debounces draft saves and keeps undelivered snapshots in a
// durable FIFO until the server accepts them.
type AutosaveWorker struct {
	saver DraftSaver
	queue repository.DraftQueue
	clock clock.WithTickerAndDelayedExecution
	cfg   config.AutosaveConfig
	log   zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	olympiadID string
	timer      clock.Timer
	pending    []byte
	last       []byte
	online     bool
	onSaved    []func(model.Answers)

	// deliverMu orders direct saves behind queue drains.
	deliverMu sync.Mutex
}

type queuedDraft struct {
	OlympiadID string        `json:"olympiadId"`
	Answers    model.Answers `json:"answers"`
	QueuedAt   time.Time     `json:"queuedAt"`
}

// NewAutosaveWorker creates a new AutosaveWorker. It starts online.
func NewAutosaveWorker(saver DraftSaver, queue repository.DraftQueue, clk clock.WithTickerAndDelayedExecution, cfg config.AutosaveConfig, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		saver:  saver,
		queue:  queue,
		clock:  clk,
		cfg:    cfg,
		log:    log.With().Str("component", "autosave_worker").Logger(),
		ctx:    context.Background(),
		online: true,
	}
}

// Bind scopes the worker to one olympiad. Debounced saves run under ctx.
func (w *AutosaveWorker) Bind(ctx context.Context, olympiadID string) {
	w.mu.Lock()
	w.ctx = ctx
	w.olympiadID = olympiadID
	w.mu.Unlock()
}

// OnSaved registers fn to run after each snapshot the server accepted.
func (w *AutosaveWorker) OnSaved(fn func(model.Answers)) {
	w.mu.Lock()
	w.onSaved = append(w.onSaved, fn)
	w.mu.Unlock()
}

// Schedule arms the debounced save of answers. Each call restarts the
// debounce window; a snapshot equal to the last attempted one is dropped.
func (w *AutosaveWorker) Schedule(answers model.Answers) {
	raw, err := json.Marshal(answers)
	if err != nil {
		w.log.Error().Err(err).Msg("Encode draft snapshot")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == nil && bytes.Equal(raw, w.last) {
		return
	}
	w.pending = raw
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.cfg.Debounce, w.fire)
}

// FlushPending fires the debounced save now, e.g. when the shell unloads.
func (w *AutosaveWorker) FlushPending() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.fire()
}

func (w *AutosaveWorker) fire() {
	w.mu.Lock()
	raw := w.pending
	w.pending = nil
	w.timer = nil
	ctx := w.ctx
	w.mu.Unlock()

	if raw == nil {
		return
	}
	w.save(ctx, raw)
}

func (w *AutosaveWorker) save(ctx context.Context, raw []byte) {
	w.mu.Lock()
	if bytes.Equal(raw, w.last) {
		w.mu.Unlock()
		return
	}
	w.last = raw
	olympiadID := w.olympiadID
	online := w.online
	w.mu.Unlock()

	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	var answers model.Answers
	if err := json.Unmarshal(raw, &answers); err != nil {
		w.log.Error().Err(err).Msg("Decode draft snapshot")
		return
	}

	queued, err := w.queue.Len(ctx, olympiadID)
	if err != nil {
		w.log.Warn().Err(err).Msg("Queue length unavailable")
	}

	if !online || queued > 0 {
		w.enqueue(ctx, olympiadID, answers)
		if online {
			if err := w.flushLocked(ctx, olympiadID); err != nil {
				w.log.Debug().Err(err).Msg("Drain after enqueue stopped")
			}
		}
		return
	}

	if err := w.saver.SaveDraft(ctx, olympiadID, answers); err != nil {
		w.log.Warn().Err(err).Msg("Draft save failed, queued for retry")
		w.enqueue(ctx, olympiadID, answers)
		return
	}
	w.saved(answers)
}

func (w *AutosaveWorker) enqueue(ctx context.Context, olympiadID string, answers model.Answers) {
	raw, err := json.Marshal(queuedDraft{OlympiadID: olympiadID, Answers: answers, QueuedAt: w.clock.Now()})
	if err != nil {
		w.log.Error().Err(err).Msg("Encode queued draft")
		return
	}
	// The local draft record still holds these answers if this fails.
	if err := w.queue.Push(context.WithoutCancel(ctx), olympiadID, raw); err != nil {
		w.log.Error().Err(err).Msg("Enqueue draft failed")
	}
}

// Flush drains the queue head-first. A failed delivery is put back at the
// head and ends the drain.
func (w *AutosaveWorker) Flush(ctx context.Context) error {
	w.mu.Lock()
	olympiadID := w.olympiadID
	w.mu.Unlock()

	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	return w.flushLocked(ctx, olympiadID)
}

func (w *AutosaveWorker) flushLocked(ctx context.Context, olympiadID string) error {
	drained := 0
	defer func() {
		if drained > 0 {
			w.log.Info().Int("count", drained).Msg("Drained queued drafts")
		}
	}()

	for {
		raw, err := w.queue.Pop(ctx, olympiadID)
		if errors.Is(err, repository.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pop draft: %w", err)
		}

		var item queuedDraft
		if err := json.Unmarshal(raw, &item); err != nil {
			w.log.Error().Err(err).Msg("Dropping undecodable queued draft")
			continue
		}

		if err := w.saver.SaveDraft(ctx, olympiadID, item.Answers); err != nil {
			if perr := w.queue.PushFront(context.WithoutCancel(ctx), olympiadID, raw); perr != nil {
				w.log.Error().Err(perr).Msg("Requeue draft failed")
			}
			return fmt.Errorf("save queued draft: %w", err)
		}
		drained++
		w.saved(item.Answers)
	}
}

func (w *AutosaveWorker) saved(answers model.Answers) {
	w.mu.Lock()
	fns := append([]func(model.Answers){}, w.onSaved...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(answers)
	}
}

// SetOnline records the network signal. The offline to online edge drains
// the queue.
func (w *AutosaveWorker) SetOnline(online bool) {
	w.mu.Lock()
	was := w.online
	w.online = online
	ctx := w.ctx
	w.mu.Unlock()

	if online && !was {
		w.log.Info().Msg("Back online, draining queued drafts")
		go func() {
			if err := w.Flush(ctx); err != nil {
				w.log.Warn().Err(err).Msg("Drain stopped")
			}
		}()
	}
}

// Online reports the last network signal.
func (w *AutosaveWorker) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Pending reports the queued snapshot count.
func (w *AutosaveWorker) Pending(ctx context.Context) int64 {
	w.mu.Lock()
	olympiadID := w.olympiadID
	w.mu.Unlock()
	n, err := w.queue.Len(ctx, olympiadID)
	if err != nil {
		return 0
	}
	return n
}

// Run retries the drain periodically while online. On shutdown the pending
// save fires and one last drain is attempted.
func (w *AutosaveWorker) Run(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	var retryC <-chan time.Time
	if w.cfg.RetryInterval > 0 {
		t := w.clock.NewTicker(w.cfg.RetryInterval)
		defer t.Stop()
		retryC = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.shutdown()
			w.log.Info().Msg("Worker stopped")
			return
		case <-retryC:
			if !w.Online() || w.Pending(ctx) == 0 {
				continue
			}
			if err := w.Flush(ctx); err != nil {
				w.log.Debug().Err(err).Msg("Retry drain stopped")
			}
		}
	}
}

func (w *AutosaveWorker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.mu.Lock()
	w.ctx = ctx
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	online := w.online
	w.mu.Unlock()

	w.fire()
	if online {
		if err := w.Flush(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Drafts left queued at shutdown")
		}
	}
}
