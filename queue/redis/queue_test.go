package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/retry"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	queue := NewQueueWithClient(client, "test:")
	t.Cleanup(func() { queue.Close() })
	return queue, mr
}

// TestScheduleAndDequeue tests the immediate path for due jobs
func TestScheduleAndDequeue(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	job := retry.Job{
		DocumentID: "doc-1",
		Stage:      "embedding",
		Attempt:    2,
		RequestID:  "req_deadbeef",
		NotBefore:  time.Now().Add(-time.Second),
	}
	require.NoError(t, queue.ScheduleRetry(ctx, job))

	got, err := queue.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, "embedding", got.Stage)
	assert.Equal(t, 2, got.Attempt)
}

// TestDelayedJobWaitsForPromotion tests the delay buffer
func TestDelayedJobWaitsForPromotion(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	job := retry.Job{
		DocumentID: "doc-1",
		Stage:      "storage",
		Attempt:    3,
		NotBefore:  time.Now().Add(time.Hour),
	}
	require.NoError(t, queue.ScheduleRetry(ctx, job))

	got, err := queue.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "future job is not ready")

	ready, delayed, err := queue.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), delayed)

	// Nothing is due yet, so promotion moves nothing.
	promoted, err := queue.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
}

// TestPromoteMovesDueJobs tests promotion once NotBefore passes
func TestPromoteMovesDueJobs(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	require.NoError(t, queue.ScheduleRetry(ctx, retry.Job{
		DocumentID: "doc-due",
		Stage:      "embedding",
		NotBefore:  time.Now().Add(20 * time.Millisecond),
	}))
	require.NoError(t, queue.ScheduleRetry(ctx, retry.Job{
		DocumentID: "doc-later",
		Stage:      "embedding",
		NotBefore:  time.Now().Add(time.Hour),
	}))

	time.Sleep(30 * time.Millisecond)
	promoted, err := queue.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err := queue.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "doc-due", got.DocumentID)

	_, delayed, err := queue.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed, "future job stays buffered")
}

// TestDequeueTimeout tests the empty-queue path
func TestDequeueTimeout(t *testing.T) {
	queue, _ := newTestQueue(t)
	got, err := queue.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestDequeueSkipsGarbage tests resilience against corrupted payloads
func TestDequeueSkipsGarbage(t *testing.T) {
	ctx := context.Background()
	queue, mr := newTestQueue(t)
	mr.Lpush("test:"+readySuffix, "not json")

	got, err := queue.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "garbage is dropped, not returned")
}
