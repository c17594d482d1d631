package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"ordersync/internal/api"
	"ordersync/internal/database"
	"ordersync/internal/models"
	"ordersync/internal/queue"
	"ordersync/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	queue     *queue.Queue
	coord     *Coordinator
	projector *state.Projector[models.Order]
	requests  *requestLog
}

type requestLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *requestLog) record(r *http.Request) {
	l.mu.Lock()
	l.entries = append(l.entries, r.Method+" "+r.URL.Path)
	l.mu.Unlock()
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func setup(t *testing.T, policy queue.RetryPolicy, opts Options, handler func(http.ResponseWriter, *http.Request)) *fixture {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	q := queue.New(db, nil, policy, nil, nil)
	transport := api.NewClient(server.URL, "", time.Second, 1000, 100)
	projector := state.NewProjector[models.Order](nil)

	coord := New(q, transport, nil, nil, opts)
	coord.Register(models.ResourceOrders, projector)

	return &fixture{queue: q, coord: coord, projector: projector, requests: log}
}

func TestDrainReplaysCreateAndRewritesDependents(t *testing.T) {
	f := setup(t, queue.RetryPolicy{MaxRetries: 3}, Options{}, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": "order-1", "status": "created", "total": 20}`))
		case http.MethodPatch:
			// The update must arrive under the server id, not the temp id.
			assert.Equal(t, "/api/v1/orders/order-1", r.URL.Path)
			w.Write([]byte(`{"id": "order-1", "status": "created", "total": 25}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	ctx := context.Background()
	item := f.projector.Wrap(models.Order{Status: models.OrderCreated, Total: 20})

	created, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpCreate,
		TargetID:     item.TempID,
		Payload:      json.RawMessage(`{"total": 20}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.projector.MarkCreating(item.TempID, created.ID))

	updated, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpUpdate,
		TargetID:     item.TempID,
		Payload:      json.RawMessage(`{"total": 25}`),
	})
	require.NoError(t, err)

	stats, err := f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Zero(t, stats.Failed)

	entry, err := f.queue.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, entry.Status)

	entry, err = f.queue.Get(ctx, updated.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, entry.Status)
	assert.Equal(t, "order-1", entry.TargetID)

	got, ok := f.projector.Get("order-1")
	require.True(t, ok)
	assert.Equal(t, models.PendingSuccess, got.PendingStatus)
	assert.Equal(t, 25.0, got.Data.Total)

	assert.Equal(t, []string{"POST /api/v1/orders", "PATCH /api/v1/orders/order-1"}, f.requests.all())
}

func TestDrainPermanentErrorFailsWithoutRetry(t *testing.T) {
	f := setup(t, queue.RetryPolicy{MaxRetries: 5}, Options{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message": "order already completed"}`))
	})

	ctx := context.Background()
	f.projector.WrapRemote("order-1", models.Order{ID: "order-1", Status: models.OrderDelivered})

	entry, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpUpdate,
		TargetID:     "order-1",
		Payload:      json.RawMessage(`{"status": "cancelled"}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.projector.MarkUpdating("order-1", entry.ID))

	stats, err := f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "order already completed", *got.LastError)

	item, _ := f.projector.Get("order-1")
	assert.Equal(t, models.PendingFailed, item.PendingStatus)
	assert.Equal(t, "order already completed", item.Error)

	// A rejected entry never goes back on the wire.
	calls := len(f.requests.all())
	_, err = f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, f.requests.all(), calls)
}

func TestDrainTransientErrorSchedulesRetry(t *testing.T) {
	f := setup(t, queue.RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour}, Options{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message": "maintenance"}`))
	})

	ctx := context.Background()
	item := f.projector.Wrap(models.Order{})

	entry, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpCreate,
		TargetID:     item.TempID,
		Payload:      json.RawMessage(`{"total": 5}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.projector.MarkCreating(item.TempID, entry.ID))

	stats, err := f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	got, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueRetry, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Still optimistically pending, not failed.
	projected, _ := f.projector.Get(item.TempID)
	assert.Equal(t, models.PendingCreating, projected.PendingStatus)

	// Not due yet, so the next pass leaves it alone.
	calls := len(f.requests.all())
	_, err = f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, f.requests.all(), calls)
}

func TestDrainGivesUpAfterRetryBudget(t *testing.T) {
	f := setup(t, queue.RetryPolicy{MaxRetries: 1}, Options{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	item := f.projector.Wrap(models.Order{})

	entry, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpCreate,
		TargetID:     item.TempID,
		Payload:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.projector.MarkCreating(item.TempID, entry.ID))

	stats, err := f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)

	projected, _ := f.projector.Get(item.TempID)
	assert.Equal(t, models.PendingFailed, projected.PendingStatus)
}

func TestDrainOfflineAbortsWithoutConsumingAttempts(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	q := queue.New(db, nil, queue.RetryPolicy{MaxRetries: 3}, nil, nil)
	transport := api.NewClient(server.URL, "", time.Second, 1000, 100)
	projector := state.NewProjector[models.Order](nil)
	coord := New(q, transport, nil, nil, Options{})
	coord.Register(models.ResourceOrders, projector)

	ctx := context.Background()
	item := projector.Wrap(models.Order{})
	entry, err := q.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpCreate,
		TargetID:     item.TempID,
		Payload:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, projector.MarkCreating(item.TempID, entry.ID))

	stats, err := coord.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Offline)
	assert.Equal(t, 1, stats.Released)
	assert.Zero(t, stats.Processed)

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, got.Attempts)

	projected, _ := projector.Get(item.TempID)
	assert.Equal(t, models.PendingCreating, projected.PendingStatus)
}

func TestDrainDeleteConfirmsAndRemoves(t *testing.T) {
	f := setup(t, queue.RetryPolicy{MaxRetries: 3}, Options{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	f.projector.WrapRemote("order-1", models.Order{ID: "order-1"})

	entry, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: models.ResourceOrders,
		Operation:    models.OpDelete,
		TargetID:     "order-1",
	})
	require.NoError(t, err)
	require.NoError(t, f.projector.MarkDeleting("order-1", entry.ID))

	stats, err := f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	got, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)

	_, ok := f.projector.Get("order-1")
	assert.False(t, ok)
}

func TestDrainCapsEntityConcurrency(t *testing.T) {
	var inFlight, peak, idSeq int64
	f := setup(t, queue.RetryPolicy{MaxRetries: 3}, Options{Concurrency: 2, BatchSize: 20}, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id": "order-%d"}`, atomic.AddInt64(&idSeq, 1))
	})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		item := f.projector.Wrap(models.Order{})
		entry, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
			ResourceType: models.ResourceOrders,
			Operation:    models.OpCreate,
			TargetID:     item.TempID,
			Payload:      json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		require.NoError(t, f.projector.MarkCreating(item.TempID, entry.ID))
	}

	stats, err := f.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Processed)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRunWithoutMirrorParksBetweenTicks(t *testing.T) {
	f := setup(t, queue.RetryPolicy{MaxRetries: 1}, Options{DrainInterval: time.Hour}, func(w http.ResponseWriter, r *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coord.Run(ctx)
		close(done)
	}()

	// With no redis mirror the run loop must sleep on the ticker, not poll
	// the queue in a tight loop.
	before := processCPU(t)
	time.Sleep(500 * time.Millisecond)
	used := processCPU(t) - before

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}

	assert.Less(t, used, 250*time.Millisecond)
}

func processCPU(t *testing.T) time.Duration {
	t.Helper()
	var ru syscall.Rusage
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &ru))
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
