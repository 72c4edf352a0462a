package repository

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrDraftNotFound = errors.New("draft not found")
	ErrQueueEmpty    = errors.New("queue empty")
)

// DraftStore is the durable local record of in-progress answers, one per olympiad.
type DraftStore interface {
	Get(ctx context.Context, olympiadID string) (*model.Draft, error)
	Put(ctx context.Context, d *model.Draft) error
	Delete(ctx context.Context, olympiadID string) error
}

// DraftQueue is the durable FIFO of draft payloads awaiting delivery.
type DraftQueue interface {
	Push(ctx context.Context, olympiadID string, payload []byte) error
	PushFront(ctx context.Context, olympiadID string, payload []byte) error
	Pop(ctx context.Context, olympiadID string) ([]byte, error)
	Len(ctx context.Context, olympiadID string) (int64, error)
}
