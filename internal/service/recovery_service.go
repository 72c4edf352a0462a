package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"k8s.io/utils/clock"
)

// DisconnectWarning is shown while the push channel is down. It cannot be
// dismissed because the server clock keeps running.
const DisconnectWarning = "Koneksi terputus. Waktu ujian tetap berjalan, jawaban disimpan di perangkat ini."

// DraftAPI is the part of the exam API that stores server-side drafts.
type DraftAPI interface {
	SaveDraft(ctx context.Context, olympiadID string, answers model.Answers) error
	GetDraft(ctx context.Context, olympiadID string) (*model.DraftResponse, error)
}

// Autosaver is the debounced save path fed with every answer edit.
type Autosaver interface {
	Schedule(answers model.Answers)
	Flush(ctx context.Context) error
}

// SyncStatus is the outcome of one journal entry during reconciliation.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusSkipped SyncStatus = "skipped"
	// SyncStatusSuperseded marks an edit replaced by a later one for the same
	// question; only the later value is sent.
	SyncStatusSuperseded SyncStatus = "superseded"
)

// SyncItem reports one journal entry.
type SyncItem struct {
	QuestionID string     `json:"questionId"`
	TypedAt    time.Time  `json:"typedAt"`
	Status     SyncStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// SyncReport is delivered to listeners after every reconciliation.
type SyncReport struct {
	OlympiadID string     `json:"olympiadId"`
	Items      []SyncItem `json:"items"`
	Synced     int        `json:"synced"`
	Failed     int        `json:"failed"`
	Complete   bool       `json:"complete"`
	At         time.Time  `json:"at"`
}

// RecoveryService keeps the durable local draft and replays it after the
// push channel comes back.
type RecoveryService struct {
	store    repository.DraftStore
	api      DraftAPI
	session  *AttemptService
	timer    *TimerService
	autosave Autosaver
	push     PushSender
	clock    clock.PassiveClock
	log      zerolog.Logger

	// draftMu serialises read-modify-write of the local draft record.
	draftMu     sync.Mutex
	reconcileMu sync.Mutex

	mu           sync.Mutex
	connected    bool
	warning      string
	onSync       []func(SyncReport)
	onConnection []func(connected bool, warning string)
}

// NewRecoveryService creates a new RecoveryService. autosave and push may be nil.
func NewRecoveryService(
	store repository.DraftStore,
	client DraftAPI,
	session *AttemptService,
	timer *TimerService,
	autosave Autosaver,
	push PushSender,
	clk clock.PassiveClock,
	log zerolog.Logger,
) *RecoveryService {
	return &RecoveryService{
		store:     store,
		api:       client,
		session:   session,
		timer:     timer,
		autosave:  autosave,
		push:      push,
		clock:     clk,
		log:       log.With().Str("component", "recovery").Logger(),
		connected: true,
	}
}

func (s *RecoveryService) load(ctx context.Context, olympiadID string) (*model.Draft, error) {
	d, err := s.store.Get(ctx, olympiadID)
	if errors.Is(err, repository.ErrDraftNotFound) {
		return &model.Draft{OlympiadID: olympiadID, Answers: model.Answers{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Answers == nil {
		d.Answers = model.Answers{}
	}
	return d, nil
}

// RecordAnswer stores an edit durably before anything touches the network,
// then schedules the debounced save.
func (s *RecoveryService) RecordAnswer(ctx context.Context, questionID string, answer []byte) error {
	olympiadID := s.session.OlympiadID()
	if olympiadID == "" {
		return ErrNoAttempt
	}

	s.draftMu.Lock()
	d, err := s.load(ctx, olympiadID)
	if err != nil {
		s.draftMu.Unlock()
		return fmt.Errorf("load draft: %w", err)
	}
	now := s.clock.Now()
	d.Answers[questionID] = answer
	d.Pending = append(d.Pending, model.DraftEntry{QuestionID: questionID, Answer: answer, TypedAt: now})
	d.Timestamp = now
	err = s.store.Put(ctx, d)
	snapshot := d.Answers.Clone()
	s.draftMu.Unlock()

	if err != nil {
		return fmt.Errorf("store draft: %w", err)
	}
	if s.autosave != nil {
		s.autosave.Schedule(snapshot)
	}
	return nil
}

// Answers returns the local answer map.
func (s *RecoveryService) Answers(ctx context.Context) (model.Answers, error) {
	olympiadID := s.session.OlympiadID()
	if olympiadID == "" {
		return nil, ErrNoAttempt
	}
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, err := s.load(ctx, olympiadID)
	if err != nil {
		return nil, err
	}
	return d.Answers, nil
}

// MarkSynced trims journal entries whose value the server now holds, along
// with the older edits of those questions.
func (s *RecoveryService) MarkSynced(ctx context.Context, saved model.Answers) {
	olympiadID := s.session.OlympiadID()
	if olympiadID == "" {
		return
	}

	s.draftMu.Lock()
	defer s.draftMu.Unlock()

	d, err := s.load(ctx, olympiadID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Load draft to mark synced")
		return
	}
	if d.Synced == nil {
		d.Synced = model.Answers{}
	}

	// The server holds the saved value, so the matching entry and every
	// older edit of the same question are done.
	match := make(map[string]int)
	for i, e := range d.Pending {
		if v, ok := saved[e.QuestionID]; ok && bytes.Equal(v, e.Answer) {
			match[e.QuestionID] = i
		}
	}
	kept := d.Pending[:0]
	for i, e := range d.Pending {
		if last, ok := match[e.QuestionID]; ok && i <= last {
			continue
		}
		kept = append(kept, e)
	}
	d.Pending = kept
	for k, v := range saved {
		d.Synced[k] = v
	}
	if err := s.store.Put(ctx, d); err != nil {
		s.log.Warn().Err(err).Msg("Store draft after sync")
	}
}

// Reconcile replays the journal in typed order. Each entry is sent as the
// cumulative snapshot up to and including it; entries leave the journal only
// once the server accepted them, and the first failure stops the replay.
func (s *RecoveryService) Reconcile(ctx context.Context) (SyncReport, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	olympiadID := s.session.OlympiadID()
	if olympiadID == "" {
		return SyncReport{}, ErrNoAttempt
	}
	report := SyncReport{OlympiadID: olympiadID}

	s.draftMu.Lock()
	d, err := s.load(ctx, olympiadID)
	s.draftMu.Unlock()
	if err != nil {
		return report, fmt.Errorf("load draft: %w", err)
	}

	last := make(map[string]int, len(d.Pending))
	for i, e := range d.Pending {
		last[e.QuestionID] = i
	}

	snapshot := d.Synced.Clone()
	delivered := make([]model.DraftEntry, 0, len(d.Pending))
	superseded := make(map[string][]model.DraftEntry)
	var failure error

	for i, e := range d.Pending {
		item := SyncItem{QuestionID: e.QuestionID, TypedAt: e.TypedAt}
		if last[e.QuestionID] != i {
			// Replaying an older value would roll the server back.
			item.Status = SyncStatusSuperseded
			superseded[e.QuestionID] = append(superseded[e.QuestionID], e)
			report.Items = append(report.Items, item)
			continue
		}
		if failure != nil {
			item.Status = SyncStatusSkipped
			report.Items = append(report.Items, item)
			continue
		}

		snapshot[e.QuestionID] = e.Answer
		if err := s.api.SaveDraft(ctx, olympiadID, snapshot.Clone()); err != nil {
			failure = err
			item.Status = SyncStatusFailed
			item.Error = err.Error()
			report.Failed++
		} else {
			item.Status = SyncStatusSynced
			report.Synced++
			delivered = append(delivered, superseded[e.QuestionID]...)
			delivered = append(delivered, e)
		}
		report.Items = append(report.Items, item)
	}

	if len(delivered) > 0 {
		s.dropDelivered(ctx, olympiadID, delivered)
	}

	report.Complete = failure == nil
	report.At = s.clock.Now()

	ev := s.log.Info()
	if failure != nil {
		ev = s.log.Warn().Err(failure)
	}
	ev.Int("synced", report.Synced).Int("pending", len(d.Pending)).Msg("Draft reconciliation finished")

	s.mu.Lock()
	fns := append([]func(SyncReport){}, s.onSync...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(report)
	}

	if failure != nil {
		return report, fmt.Errorf("reconcile drafts: %w", failure)
	}
	return report, nil
}

// dropDelivered removes delivered entries by identity. Entries typed during
// the replay stay in the journal.
func (s *RecoveryService) dropDelivered(ctx context.Context, olympiadID string, delivered []model.DraftEntry) {
	s.draftMu.Lock()
	defer s.draftMu.Unlock()

	d, err := s.load(ctx, olympiadID)
	if err != nil {
		s.log.Error().Err(err).Msg("Load draft to clear journal")
		return
	}
	if d.Synced == nil {
		d.Synced = model.Answers{}
	}

	done := make(map[string]struct{}, len(delivered))
	for _, e := range delivered {
		done[entryKey(e)] = struct{}{}
		d.Synced[e.QuestionID] = e.Answer
	}
	kept := d.Pending[:0]
	for _, e := range d.Pending {
		if _, ok := done[entryKey(e)]; ok {
			continue
		}
		kept = append(kept, e)
	}
	d.Pending = kept
	if err := s.store.Put(ctx, d); err != nil {
		s.log.Error().Err(err).Msg("Store draft after reconcile")
	}
}

func entryKey(e model.DraftEntry) string {
	return e.QuestionID + "@" + e.TypedAt.Format(time.RFC3339Nano)
}

// Restore merges the server draft with the local one. Local answers win
// because the local copy is never older than the last server write.
func (s *RecoveryService) Restore(ctx context.Context) (model.Answers, error) {
	olympiadID := s.session.OlympiadID()
	if olympiadID == "" {
		return nil, ErrNoAttempt
	}

	server, err := s.api.GetDraft(ctx, olympiadID)
	if err != nil {
		if !errors.Is(err, api.ErrNotFound) {
			s.log.Warn().Err(err).Msg("Server draft unavailable, using local draft")
		}
		server = nil
	}

	s.draftMu.Lock()
	defer s.draftMu.Unlock()

	d, lerr := s.load(ctx, olympiadID)
	if lerr != nil {
		return nil, fmt.Errorf("load draft: %w", lerr)
	}

	merged := model.Answers{}
	if server != nil {
		for k, v := range server.Answers {
			merged[k] = v
		}
		if d.Synced == nil {
			d.Synced = server.Answers.Clone()
		}
	}
	for k, v := range d.Answers {
		merged[k] = v
	}
	d.Answers = merged
	d.Timestamp = s.clock.Now()
	if err := s.store.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("store draft: %w", err)
	}
	return merged.Clone(), nil
}

// Discard removes the local draft once the attempt is closed.
func (s *RecoveryService) Discard(ctx context.Context) error {
	olympiadID := s.session.OlympiadID()
	if olympiadID == "" {
		return nil
	}
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, err := s.load(ctx, olympiadID)
	if err != nil {
		return err
	}
	if len(d.Pending) > 0 {
		s.log.Warn().Int("pending", len(d.Pending)).Msg("Keeping draft with unsynced entries")
		return nil
	}
	return s.store.Delete(ctx, olympiadID)
}

// HandleConnection reacts to push-channel edges. Reconnect recovery runs in
// the background under ctx.
func (s *RecoveryService) HandleConnection(ctx context.Context, connected bool) {
	s.mu.Lock()
	was := s.connected
	s.connected = connected
	if connected {
		s.warning = ""
	} else {
		s.warning = DisconnectWarning
	}
	warning := s.warning
	fns := append([]func(bool, string){}, s.onConnection...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected, warning)
	}

	if !connected {
		if was {
			s.log.Warn().Msg("Push channel lost, timer keeps running")
		}
		return
	}
	go s.recover(ctx)
}

func (s *RecoveryService) recover(ctx context.Context) {
	if s.session.OlympiadID() == "" {
		return
	}

	// Queued snapshots are older than the journal, so they go first.
	if s.autosave != nil {
		if err := s.autosave.Flush(ctx); err != nil {
			s.log.Debug().Err(err).Msg("Autosave drain incomplete")
		}
	}
	if _, err := s.Reconcile(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Reconcile incomplete")
	}

	s.Rejoin()

	if s.timer != nil {
		_ = s.timer.Resync(ctx)
	}
	if _, err := s.session.Refresh(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Attempt refresh after reconnect failed")
	}
}

// Rejoin subscribes the push connection to the attempt's olympiad.
func (s *RecoveryService) Rejoin() {
	if s.push == nil || !s.push.Connected() {
		return
	}
	err := s.push.Send(ws.JoinOlympiadRequest{
		Action:     ws.ActionJoinOlympiad,
		OlympiadID: s.session.OlympiadID(),
		AttemptID:  s.session.AttemptID(),
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Join olympiad failed")
	}
}

// Warning returns the current non-dismissable warning, or "".
func (s *RecoveryService) Warning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning
}

// OnSync registers fn to receive every SyncReport.
func (s *RecoveryService) OnSync(fn func(SyncReport)) {
	s.mu.Lock()
	s.onSync = append(s.onSync, fn)
	s.mu.Unlock()
}

// OnConnection registers fn to receive push-channel edges with the warning.
func (s *RecoveryService) OnConnection(fn func(connected bool, warning string)) {
	s.mu.Lock()
	s.onConnection = append(s.onConnection, fn)
	s.mu.Unlock()
}
