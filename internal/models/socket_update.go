package models

import (
	"encoding/json"
	"time"
)

// Priority schedules cross-resource application order of realtime events.
// It never reorders events for the same resource.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// SocketUpdate is one server-pushed event received over the realtime channel.
// Seq is assigned on receipt and preserves arrival order inside a drain cycle.
type SocketUpdate struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  Priority        `json:"priority"`
	Seq       uint64          `json:"seq"`
}
