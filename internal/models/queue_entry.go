package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of write a QueueEntry replays against the API.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Queue entry statuses. "retry" is a pending entry scheduled for a later
// attempt via NextRetryAt. "cancelled" marks entries superseded by a later
// delete; "completed" marks acknowledged or collapsed entries.
const (
	QueuePending   = "pending"
	QueueInFlight  = "in_flight"
	QueueRetry     = "retry"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
	QueueCancelled = "cancelled"
)

// QueueEntry represents one pending write operation persisted in the
// mutation queue. TargetID holds the server ID when known, otherwise the
// temp ID of the optimistic item it refers to. Entries for the same target
// are replayed strictly in CreatedAt order.
type QueueEntry struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetID     string          `json:"target_id"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// Terminal reports whether the entry will never be replayed again.
func (e *QueueEntry) Terminal() bool {
	switch e.Status {
	case QueueCompleted, QueueFailed, QueueCancelled:
		return true
	}
	return false
}
