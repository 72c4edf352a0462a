package repository

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// MemoryDraftRepository is a process-local DraftStore. Records are deep
// copied through JSON so callers never share maps with the store.
type MemoryDraftRepository struct {
	mu     sync.Mutex
	drafts map[string][]byte
}

// NewMemoryDraftRepository creates a new MemoryDraftRepository.
func NewMemoryDraftRepository() *MemoryDraftRepository {
	return &MemoryDraftRepository{drafts: make(map[string][]byte)}
}

func (r *MemoryDraftRepository) Get(_ context.Context, olympiadID string) (*model.Draft, error) {
	r.mu.Lock()
	raw, ok := r.drafts[olympiadID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrDraftNotFound
	}
	var d model.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *MemoryDraftRepository) Put(_ context.Context, d *model.Draft) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.drafts[d.OlympiadID] = raw
	r.mu.Unlock()
	return nil
}

func (r *MemoryDraftRepository) Delete(_ context.Context, olympiadID string) error {
	r.mu.Lock()
	delete(r.drafts, olympiadID)
	r.mu.Unlock()
	return nil
}

// MemoryQueueRepository is a process-local DraftQueue.
type MemoryQueueRepository struct {
	mu     sync.Mutex
	queues map[string][][]byte
}

// NewMemoryQueueRepository creates a new MemoryQueueRepository.
func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{queues: make(map[string][][]byte)}
}

func (r *MemoryQueueRepository) Push(_ context.Context, olympiadID string, payload []byte) error {
	r.mu.Lock()
	r.queues[olympiadID] = append(r.queues[olympiadID], append([]byte(nil), payload...))
	r.mu.Unlock()
	return nil
}

func (r *MemoryQueueRepository) PushFront(_ context.Context, olympiadID string, payload []byte) error {
	r.mu.Lock()
	q := r.queues[olympiadID]
	r.queues[olympiadID] = append([][]byte{append([]byte(nil), payload...)}, q...)
	r.mu.Unlock()
	return nil
}

func (r *MemoryQueueRepository) Pop(_ context.Context, olympiadID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[olympiadID]
	if len(q) == 0 {
		return nil, ErrQueueEmpty
	}
	head := q[0]
	r.queues[olympiadID] = q[1:]
	return head, nil
}

func (r *MemoryQueueRepository) Len(_ context.Context, olympiadID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.queues[olympiadID])), nil
}
