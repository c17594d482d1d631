package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ordersync/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverSnapshotStore serves from the primary store until it errors, then
// switches to the fallback. The primary is probed again after a cooldown.
type FailoverSnapshotStore struct {
	primary  domain.SnapshotStore
	fallback domain.SnapshotStore
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

const recoveryCooldown = time.Minute

func NewFailoverSnapshotStore(primary, fallback domain.SnapshotStore, logger *zerolog.Logger) *FailoverSnapshotStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverSnapshotStore{primary: primary, fallback: fallback, logger: logger}
}

func (f *FailoverSnapshotStore) markDown(err error) {
	f.logger.Error().Err(err).Msg("primary snapshot store failed, falling back to memory")
	f.isDown.Store(true)
	f.mu.Lock()
	f.lastCheck = time.Now()
	f.mu.Unlock()
}

// shouldProbe reports whether the cooldown expired and claims the probe slot.
func (f *FailoverSnapshotStore) shouldProbe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastCheck) < recoveryCooldown {
		return false
	}
	f.lastCheck = time.Now()
	return true
}

func (f *FailoverSnapshotStore) GetSnapshot(ctx context.Context, resourceType string) ([]byte, error) {
	if !f.isDown.Load() {
		data, err := f.primary.GetSnapshot(ctx, resourceType)
		if err == nil {
			return data, nil
		}
		f.markDown(err)
	} else if f.shouldProbe() {
		data, err := f.primary.GetSnapshot(ctx, resourceType)
		if err == nil {
			f.isDown.Store(false)
			f.logger.Info().Msg("primary snapshot store recovered")
			return data, nil
		}
	}

	return f.fallback.GetSnapshot(ctx, resourceType)
}

func (f *FailoverSnapshotStore) SetSnapshot(ctx context.Context, resourceType string, data []byte) error {
	if !f.isDown.Load() {
		if err := f.primary.SetSnapshot(ctx, resourceType, data); err != nil {
			f.markDown(err)
		} else {
			// Keep the fallback warm so a later failover still has data.
			_ = f.fallback.SetSnapshot(ctx, resourceType, data)
			return nil
		}
	}
	return f.fallback.SetSnapshot(ctx, resourceType, data)
}

func (f *FailoverSnapshotStore) ClearSnapshot(ctx context.Context, resourceType string) error {
	_ = f.fallback.ClearSnapshot(ctx, resourceType)
	if !f.isDown.Load() {
		if err := f.primary.ClearSnapshot(ctx, resourceType); err != nil {
			f.markDown(err)
			return err
		}
	}
	return nil
}
