package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseQueue(t *testing.T, q DraftQueue) {
	ctx := context.Background()

	_, err := q.Pop(ctx, "olym-1")
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, q.Push(ctx, "olym-1", []byte(`{"n":1}`)))
	require.NoError(t, q.Push(ctx, "olym-1", []byte(`{"n":2}`)))
	require.NoError(t, q.Push(ctx, "olym-2", []byte(`{"n":9}`)))

	n, err := q.Len(ctx, "olym-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	head, err := q.Pop(ctx, "olym-1")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(head))

	// A failed delivery goes back to the head, ahead of newer payloads.
	require.NoError(t, q.PushFront(ctx, "olym-1", head))
	head, err = q.Pop(ctx, "olym-1")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(head))

	head, err = q.Pop(ctx, "olym-1")
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(head))

	_, err = q.Pop(ctx, "olym-1")
	assert.ErrorIs(t, err, ErrQueueEmpty)

	n, err = q.Len(ctx, "olym-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedisQueueRepository(t *testing.T) {
	exerciseQueue(t, NewRedisQueueRepository(newRedis(t)))
}

func TestMemoryQueueRepository(t *testing.T) {
	exerciseQueue(t, NewMemoryQueueRepository())
}
