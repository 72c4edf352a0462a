package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// RedisDraftRepository keeps draft records as JSON strings.
type RedisDraftRepository struct {
	rdb *redis.Client
}

// NewRedisDraftRepository creates a new RedisDraftRepository.
func NewRedisDraftRepository(rdb *redis.Client) *RedisDraftRepository {
	return &RedisDraftRepository{rdb: rdb}
}

// Get loads the draft of an olympiad.
func (r *RedisDraftRepository) Get(ctx context.Context, olympiadID string) (*model.Draft, error) {
	raw, err := r.rdb.Get(ctx, config.StoreKey.DraftKey(olympiadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}

	var d model.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &d, nil
}

// Put replaces the draft of d.OlympiadID. Drafts never expire on their own.
func (r *RedisDraftRepository) Put(ctx context.Context, d *model.Draft) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := r.rdb.Set(ctx, config.StoreKey.DraftKey(d.OlympiadID), raw, 0).Err(); err != nil {
		return fmt.Errorf("put draft: %w", err)
	}
	return nil
}

// Delete removes the draft of an olympiad.
func (r *RedisDraftRepository) Delete(ctx context.Context, olympiadID string) error {
	return r.rdb.Del(ctx, config.StoreKey.DraftKey(olympiadID)).Err()
}

// RedisQueueRepository is a Redis list per olympiad: RPush to enqueue,
// LPush to requeue at the head, LPop to dequeue.
type RedisQueueRepository struct {
	rdb *redis.Client
}

// NewRedisQueueRepository creates a new RedisQueueRepository.
func NewRedisQueueRepository(rdb *redis.Client) *RedisQueueRepository {
	return &RedisQueueRepository{rdb: rdb}
}

func (r *RedisQueueRepository) Push(ctx context.Context, olympiadID string, payload []byte) error {
	return r.rdb.RPush(ctx, config.StoreKey.AutosaveQueueKey(olympiadID), payload).Err()
}

func (r *RedisQueueRepository) PushFront(ctx context.Context, olympiadID string, payload []byte) error {
	return r.rdb.LPush(ctx, config.StoreKey.AutosaveQueueKey(olympiadID), payload).Err()
}

func (r *RedisQueueRepository) Pop(ctx context.Context, olympiadID string) ([]byte, error) {
	raw, err := r.rdb.LPop(ctx, config.StoreKey.AutosaveQueueKey(olympiadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	return raw, err
}

func (r *RedisQueueRepository) Len(ctx context.Context, olympiadID string) (int64, error) {
	return r.rdb.LLen(ctx, config.StoreKey.AutosaveQueueKey(olympiadID)).Result()
}
