package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ordersync/internal/database"
	"ordersync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, policy RetryPolicy) *Queue {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil, policy, nil, nil)
}

func createReq(targetID string) EnqueueRequest {
	return EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpCreate,
		TargetID:     targetID,
		Payload:      []byte(`{"total": 12.5}`),
	}
}

func updateReq(targetID string) EnqueueRequest {
	return EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpUpdate,
		TargetID:     targetID,
		Payload:      []byte(`{"status": "ready"}`),
	}
}

func deleteReq(targetID string) EnqueueRequest {
	return EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpDelete,
		TargetID:     targetID,
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{Operation: models.OpCreate, TargetID: "x", Payload: []byte(`{}`)})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, EnqueueRequest{ResourceType: models.ResourceOrders, Operation: models.OpCreate, Payload: []byte(`{}`)})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, EnqueueRequest{ResourceType: models.ResourceOrders, Operation: models.OpCreate, TargetID: "x"})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, EnqueueRequest{ResourceType: models.ResourceOrders, Operation: "upsert", TargetID: "x"})
	assert.Error(t, err)
}

func TestEnqueueAndPeek(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	assert.False(t, q.HasMirror())

	entry, err := q.Enqueue(ctx, createReq("tmp-1"))
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, entry.Status)
	assert.NotEmpty(t, entry.ID)

	next, err := q.PeekNext(ctx, models.ResourceOrders)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, entry.ID, next.ID)

	next, err = q.PeekNext(ctx, models.ResourceMenu)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCreateDeleteCollapsesToNoOp(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	create, err := q.Enqueue(ctx, createReq("tmp-2"))
	require.NoError(t, err)
	update, err := q.Enqueue(ctx, updateReq("tmp-2"))
	require.NoError(t, err)

	del, err := q.Enqueue(ctx, deleteReq("tmp-2"))
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, del.Status)

	// Nothing left to replay: the entity never existed server-side.
	pending, err := q.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 0)

	got, err := q.Get(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, got.Status)

	got, err = q.Get(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, got.Status)
}

func TestDeleteSupersedesPendingUpdates(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	// Entity already synced: only updates are queued.
	u1, err := q.Enqueue(ctx, updateReq("order-3"))
	require.NoError(t, err)
	u2, err := q.Enqueue(ctx, updateReq("order-3"))
	require.NoError(t, err)

	del, err := q.Enqueue(ctx, deleteReq("order-3"))
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, del.Status)

	pending, err := q.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, del.ID, pending[0].ID)

	for _, id := range []string{u1.ID, u2.ID} {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.QueueCancelled, got.Status)
	}
}

func TestMarkFailedRetryThenGiveUp(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{MaxRetries: 2, InitialDelay: time.Second})
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, updateReq("order-4"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, entry.ID))

	decision, err := q.MarkFailed(ctx, entry.ID, errors.New("gateway timeout"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRetry, decision)

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueRetry, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))

	decision, err = q.MarkFailed(ctx, entry.ID, errors.New("gateway timeout"))
	require.NoError(t, err)
	assert.Equal(t, DecisionGaveUp, decision)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, entry.ID, failed[0].ID)
}

func TestCancelOnlyWhilePending(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, updateReq("order-5"))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, entry.ID))

	entry, err = q.Enqueue(ctx, updateReq("order-5"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, entry.ID))
	assert.ErrorIs(t, q.Cancel(ctx, entry.ID), ErrNotCancellable)
}

func TestMarkInFlightGuards(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, updateReq("order-6"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, entry.ID))
	assert.ErrorIs(t, q.MarkInFlight(ctx, entry.ID), ErrNotPending)

	require.NoError(t, q.MarkSucceeded(ctx, entry.ID))
	assert.ErrorIs(t, q.MarkInFlight(ctx, entry.ID), ErrNotPending)
}

func TestRetryResetsFailedEntry(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{MaxRetries: 1})
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, updateReq("order-7"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, entry.ID))

	decision, err := q.MarkFailed(ctx, entry.ID, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, DecisionGaveUp, decision)

	require.NoError(t, q.Retry(ctx, entry.ID))

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestResumeRequeuesInFlight(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, updateReq("order-8"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, entry.ID))

	n, err := q.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
}

func TestReleaseReturnsInFlightWithoutAttempt(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{MaxRetries: 3})
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, updateReq("order-10"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, entry.ID))

	require.NoError(t, q.Release(ctx, entry.ID))

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, got.Attempts)

	// Release of a non-in-flight entry is a no-op.
	require.NoError(t, q.Release(ctx, entry.ID))
}

func TestRedisMirrorAndDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer db.Close()

	q := New(db, client, RetryPolicy{MaxRetries: 1}, nil, nil)
	ctx := context.Background()

	require.True(t, q.HasMirror())

	entry, err := q.Enqueue(ctx, updateReq("order-9"))
	require.NoError(t, err)

	id, ok := q.PopMirror(ctx)
	require.True(t, ok)
	assert.Equal(t, entry.ID, id)

	require.NoError(t, q.MarkInFlight(ctx, entry.ID))
	decision, err := q.MarkFailed(ctx, entry.ID, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, DecisionGaveUp, decision)

	dead, err := client.LRange(ctx, "ordersync:deadletter", 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}
