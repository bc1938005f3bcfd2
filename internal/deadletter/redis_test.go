package deadletter

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIndex(client, "test:dlq")
}

func TestPushPeekRemove(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t)

	require.NoError(t, idx.Push(ctx, "q1", "webhook returned 500"))
	require.NoError(t, idx.Push(ctx, "q2", "timeout exceeded"))
	require.NoError(t, idx.Push(ctx, "q1", "webhook returned 503"))

	entries, err := idx.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{QueueID: "q2", Reason: "timeout exceeded"},
		{QueueID: "q1", Reason: "webhook returned 503"},
	}, entries)

	require.NoError(t, idx.Remove(ctx, "q2"))
	n, err := idx.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entries, err = idx.Peek(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q1", entries[0].QueueID)
}

func TestPeekEmpty(t *testing.T) {
	entries, err := newIndex(t).Peek(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
