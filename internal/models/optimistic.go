package models

// PendingStatus tags an optimistic item with the state of its last local write.
type PendingStatus string

const (
	PendingCreating PendingStatus = "creating"
	PendingUpdating PendingStatus = "updating"
	PendingDeleting PendingStatus = "deleting"
	PendingSuccess  PendingStatus = "success"
	PendingFailed   PendingStatus = "failed"
)

// InFlight reports whether a local write for the item has not resolved yet.
// Remote events for such items are buffered, not applied.
func (s PendingStatus) InFlight() bool {
	return s == PendingCreating || s == PendingUpdating || s == PendingDeleting
}

// OptimisticItem wraps a domain value shown in the UI together with its
// sync bookkeeping. Exactly one of TempID/ServerID is the active key:
// ServerID once assigned, TempID before that. The temp mapping is retained
// so lookups by TempID keep resolving after reconciliation.
type OptimisticItem[T any] struct {
	Data          T             `json:"data"`
	TempID        string        `json:"temp_id,omitempty"`
	ServerID      string        `json:"server_id,omitempty"`
	PendingStatus PendingStatus `json:"pending_status"`
	QueueID       string        `json:"queue_id,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Key returns the identifier UI selectors should use for the item.
func (it *OptimisticItem[T]) Key() string {
	if it.ServerID != "" {
		return it.ServerID
	}
	return it.TempID
}
