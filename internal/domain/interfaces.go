package domain

import (
	"context"
	"encoding/json"
	"time"

	"ordersync/internal/models"
)

// QueueStore is the durable storage behind the mutation queue.
type QueueStore interface {
	InsertMutation(ctx context.Context, entry *models.QueueEntry) error
	GetMutation(ctx context.Context, id string) (*models.QueueEntry, error)
	PendingMutations(ctx context.Context, limit int) ([]models.QueueEntry, error)
	MutationsByStatus(ctx context.Context, status string) ([]models.QueueEntry, error)
	PendingForTarget(ctx context.Context, resourceType, targetID string) ([]models.QueueEntry, error)
	UpdateMutationStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error
	RewriteTarget(ctx context.Context, oldID, newID string) error
	ResetMutation(ctx context.Context, id string) error
	RequeueInFlight(ctx context.Context) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// Transport replays one mutation against the ordering API.
type Transport interface {
	Create(ctx context.Context, resource string, payload json.RawMessage) (*ServerEntity, error)
	Update(ctx context.Context, resource, id string, payload json.RawMessage) (*ServerEntity, error)
	Delete(ctx context.Context, resource, id string) error
}

// ServerEntity is the canonical entity returned by a successful replay.
type ServerEntity struct {
	ID   string
	Body json.RawMessage
}

// StateApplier is the non-generic face of an optimistic projector,
// used by the coordinator and the realtime channel.
type StateApplier interface {
	ApplyCreating(targetID, queueID string) error
	ApplyUpdating(targetID, queueID string) error
	ApplyDeleting(targetID, queueID string) error
	ApplySynced(targetID, serverID string, body json.RawMessage) error
	ApplyFailed(targetID, queueID, message string) error
	ConfirmDelete(targetID string) error
	RevertDelete(targetID string) error
	Dismiss(targetID string) error
	ApplyRemote(update models.SocketUpdate, targetID string) error
}

// SnapshotCapable is implemented by projectors that can round-trip their
// visible state through the snapshot cache.
type SnapshotCapable interface {
	Snapshot() ([]byte, error)
	SeedSnapshot(data []byte) error
}

// SnapshotStore keeps last-known-good server snapshots per resource so the
// apps can render something while offline or degraded.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, resourceType string) ([]byte, error)
	SetSnapshot(ctx context.Context, resourceType string, data []byte) error
	ClearSnapshot(ctx context.Context, resourceType string) error
}

// EventPublisher publishes lifecycle events for the embedding app.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
