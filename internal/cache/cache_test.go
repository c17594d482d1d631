package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySnapshotStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshotStore()

	data, err := store.GetSnapshot(ctx, models.ResourceOrders)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.SetSnapshot(ctx, models.ResourceOrders, []byte(`[{"id":"o1"}]`)))

	data, err = store.GetSnapshot(ctx, models.ResourceOrders)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"o1"}]`, string(data))

	require.NoError(t, store.ClearSnapshot(ctx, models.ResourceOrders))
	data, _ = store.GetSnapshot(ctx, models.ResourceOrders)
	assert.Nil(t, data)
}

func TestRedisSnapshotStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	defer Close(client)
	require.NoError(t, Ping(ctx, client))

	store := NewRedisSnapshotStore(client, time.Hour)

	data, err := store.GetSnapshot(ctx, models.ResourceMenu)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.SetSnapshot(ctx, models.ResourceMenu, []byte(`[{"id":"m1","name":"Margherita"}]`)))

	data, err = store.GetSnapshot(ctx, models.ResourceMenu)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"m1","name":"Margherita"}]`, string(data))

	require.NoError(t, store.ClearSnapshot(ctx, models.ResourceMenu))
	data, _ = store.GetSnapshot(ctx, models.ResourceMenu)
	assert.Nil(t, data)
}

type flakyStore struct {
	failing bool
	data    map[string][]byte
}

func newFlakyStore() *flakyStore {
	return &flakyStore{data: make(map[string][]byte)}
}

func (s *flakyStore) GetSnapshot(_ context.Context, resourceType string) ([]byte, error) {
	if s.failing {
		return nil, errors.New("connection refused")
	}
	return s.data[resourceType], nil
}

func (s *flakyStore) SetSnapshot(_ context.Context, resourceType string, data []byte) error {
	if s.failing {
		return errors.New("connection refused")
	}
	s.data[resourceType] = data
	return nil
}

func (s *flakyStore) ClearSnapshot(_ context.Context, resourceType string) error {
	if s.failing {
		return errors.New("connection refused")
	}
	delete(s.data, resourceType)
	return nil
}

func TestFailoverSwitchesToFallback(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	fallback := NewMemorySnapshotStore()
	store := NewFailoverSnapshotStore(primary, fallback, nil)

	// Writes land in both stores while the primary is healthy.
	require.NoError(t, store.SetSnapshot(ctx, models.ResourceOrders, []byte(`[1]`)))
	got, _ := fallback.GetSnapshot(ctx, models.ResourceOrders)
	assert.NotNil(t, got)

	primary.failing = true

	// Reads keep working off the fallback.
	data, err := store.GetSnapshot(ctx, models.ResourceOrders)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1]`), data)

	// So do writes.
	require.NoError(t, store.SetSnapshot(ctx, models.ResourceOrders, []byte(`[2]`)))
	data, err = store.GetSnapshot(ctx, models.ResourceOrders)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[2]`), data)

	// Recovery waits out the cooldown, so the primary stays bypassed for now.
	primary.failing = false
	data, err = store.GetSnapshot(ctx, models.ResourceOrders)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[2]`), data)
}
