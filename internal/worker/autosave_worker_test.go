package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved []model.Answers
	fail  bool
}

func (s *fakeSaver) SaveDraft(_ context.Context, _ string, answers model.Answers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("network down")
	}
	s.saved = append(s.saved, answers)
	return nil
}

func (s *fakeSaver) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *fakeSaver) snapshot() []model.Answers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Answers(nil), s.saved...)
}

func answers(kv ...string) model.Answers {
	a := model.Answers{}
	for i := 0; i+1 < len(kv); i += 2 {
		a[kv[i]] = json.RawMessage(kv[i+1])
	}
	return a
}

func newWorker(t *testing.T, saver *fakeSaver, queue repository.DraftQueue) *AutosaveWorker {
	t.Helper()
	w := NewAutosaveWorker(saver, queue, clock.RealClock{}, config.AutosaveConfig{Debounce: 20 * time.Millisecond}, zerolog.New(io.Discard))
	w.Bind(context.Background(), "olym-1")
	return w
}

func TestAutosave_DebounceKeepsLatest(t *testing.T) {
	saver := &fakeSaver{}
	w := newWorker(t, saver, repository.NewMemoryQueueRepository())

	w.Schedule(answers("q1", `"A"`))
	w.Schedule(answers("q1", `"B"`))
	w.Schedule(answers("q1", `"C"`))

	require.Eventually(t, func() bool { return len(saver.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	saved := saver.snapshot()
	require.Len(t, saved, 1)
	assert.JSONEq(t, `"C"`, string(saved[0]["q1"]))
}

func TestAutosave_SkipsUnchangedPayload(t *testing.T) {
	saver := &fakeSaver{}
	w := newWorker(t, saver, repository.NewMemoryQueueRepository())

	w.Schedule(answers("q1", `"A"`))
	w.FlushPending()
	w.Schedule(answers("q1", `"A"`))
	w.FlushPending()

	assert.Len(t, saver.snapshot(), 1)
}

func TestAutosave_OfflineQueuesThenDrainsInOrder(t *testing.T) {
	saver := &fakeSaver{}
	queue := repository.NewMemoryQueueRepository()
	w := newWorker(t, saver, queue)

	var delivered []model.Answers
	var mu sync.Mutex
	w.OnSaved(func(a model.Answers) {
		mu.Lock()
		delivered = append(delivered, a)
		mu.Unlock()
	})

	w.SetOnline(false)
	for _, v := range []string{`"1"`, `"2"`, `"3"`} {
		w.Schedule(answers("q1", v))
		w.FlushPending()
	}
	assert.Empty(t, saver.snapshot())
	assert.EqualValues(t, 3, w.Pending(context.Background()))

	w.SetOnline(true)
	require.Eventually(t, func() bool { return w.Pending(context.Background()) == 0 }, time.Second, 5*time.Millisecond)

	saved := saver.snapshot()
	require.Len(t, saved, 3)
	for i, v := range []string{`"1"`, `"2"`, `"3"`} {
		assert.JSONEq(t, v, string(saved[i]["q1"]))
	}
	mu.Lock()
	assert.Len(t, delivered, 3)
	mu.Unlock()
}

func TestAutosave_FailedSaveIsQueued(t *testing.T) {
	saver := &fakeSaver{fail: true}
	queue := repository.NewMemoryQueueRepository()
	w := newWorker(t, saver, queue)

	w.Schedule(answers("q1", `"A"`))
	w.FlushPending()
	assert.EqualValues(t, 1, w.Pending(context.Background()))

	// A later snapshot goes behind the queued one.
	saver.setFail(false)
	w.Schedule(answers("q1", `"B"`))
	w.FlushPending()

	saved := saver.snapshot()
	require.Len(t, saved, 2)
	assert.JSONEq(t, `"A"`, string(saved[0]["q1"]))
	assert.JSONEq(t, `"B"`, string(saved[1]["q1"]))
	assert.Zero(t, w.Pending(context.Background()))
}

func TestAutosave_FlushRequeuesHeadOnFailure(t *testing.T) {
	saver := &fakeSaver{}
	queue := repository.NewMemoryQueueRepository()
	w := newWorker(t, saver, queue)

	w.SetOnline(false)
	w.Schedule(answers("q1", `"1"`))
	w.FlushPending()
	w.Schedule(answers("q1", `"2"`))
	w.FlushPending()

	saver.setFail(true)
	require.Error(t, w.Flush(context.Background()))
	assert.EqualValues(t, 2, w.Pending(context.Background()))

	head, err := queue.Pop(context.Background(), "olym-1")
	require.NoError(t, err)
	var item queuedDraft
	require.NoError(t, json.Unmarshal(head, &item))
	assert.JSONEq(t, `"1"`, string(item.Answers["q1"]), "failed head stays first")
}

func TestAutosave_RunDrainsOnShutdown(t *testing.T) {
	saver := &fakeSaver{}
	w := NewAutosaveWorker(saver, repository.NewMemoryQueueRepository(), clock.RealClock{},
		config.AutosaveConfig{Debounce: time.Hour}, zerolog.New(io.Discard))
	w.Bind(context.Background(), "olym-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Schedule(answers("q1", `"late"`))
	cancel()
	<-done

	saved := saver.snapshot()
	require.Len(t, saved, 1)
	assert.JSONEq(t, `"late"`, string(saved[0]["q1"]))
}
