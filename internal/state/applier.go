package state

import (
	"encoding/json"
)

// The coordinator and realtime channel drive projectors of any element type
// through domain.StateApplier. These adapters keep them ignorant of T.

func (p *Projector[T]) ApplyCreating(targetID, queueID string) error {
	return p.MarkCreating(targetID, queueID)
}

func (p *Projector[T]) ApplyUpdating(targetID, queueID string) error {
	return p.MarkUpdating(targetID, queueID)
}

func (p *Projector[T]) ApplyDeleting(targetID, queueID string) error {
	return p.MarkDeleting(targetID, queueID)
}

func (p *Projector[T]) ApplySynced(targetID, serverID string, body json.RawMessage) error {
	return p.MarkSynced(targetID, serverID, body)
}

func (p *Projector[T]) ApplyFailed(targetID, queueID, message string) error {
	return p.MarkFailed(targetID, queueID, message)
}

// Snapshot serializes the visible projection for the snapshot cache.
func (p *Projector[T]) Snapshot() ([]byte, error) {
	items := p.All()
	values := make([]T, 0, len(items))
	for i := range items {
		values = append(values, items[i].Data)
	}
	return json.Marshal(values)
}

// SetKeyFunc declares how to derive the server key from a value. Required
// for SeedSnapshot.
func (p *Projector[T]) SetKeyFunc(fn func(T) string) {
	p.mu.Lock()
	p.keyFn = fn
	p.mu.Unlock()
}

// SeedSnapshot loads a cached snapshot using the declared key function.
func (p *Projector[T]) SeedSnapshot(data []byte) error {
	p.mu.RLock()
	keyFn := p.keyFn
	p.mu.RUnlock()
	if keyFn == nil {
		return nil
	}
	return p.Seed(data, keyFn)
}

// Seed loads values from a cached snapshot as server-confirmed items.
func (p *Projector[T]) Seed(data []byte, keyOf func(T) string) error {
	if len(data) == 0 {
		return nil
	}
	var values []T
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	for _, v := range values {
		if key := keyOf(v); key != "" {
			p.WrapRemote(key, v)
		}
	}
	return nil
}
