package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ordersync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrItemNotFound is returned when no item resolves for a key.
var ErrItemNotFound = errors.New("optimistic item not found")

// Projector holds the optimistic view of one resource collection. It is the
// only place optimistic items are mutated; everything else reads via
// selectors. Remote events arriving while a local write is in flight are
// buffered and replayed once the write resolves, so a server push can never
// clobber an unacknowledged local edit.
type Projector[T any] struct {
	mu           sync.RWMutex
	items        map[string]*models.OptimisticItem[T]
	tempToServer map[string]string
	buffered     map[string][]models.SocketUpdate
	keyFn        func(T) string
	logger       *zerolog.Logger
}

// NewProjector constructs an empty projector.
func NewProjector[T any](logger *zerolog.Logger) *Projector[T] {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Projector[T]{
		items:        make(map[string]*models.OptimisticItem[T]),
		tempToServer: make(map[string]string),
		buffered:     make(map[string][]models.SocketUpdate),
		logger:       logger,
	}
}

// Wrap creates an optimistic item for a locally born value and assigns it a
// temp id. The item is visible immediately.
func (p *Projector[T]) Wrap(value T) models.OptimisticItem[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := &models.OptimisticItem[T]{
		Data:          value,
		TempID:        "tmp-" + uuid.NewString(),
		PendingStatus: models.PendingSuccess,
	}
	p.items[item.TempID] = item
	return *item
}

// WrapRemote registers a server-confirmed value, e.g. from a list fetch or a
// realtime event about an entity another actor created.
func (p *Projector[T]) WrapRemote(serverID string, value T) models.OptimisticItem[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := &models.OptimisticItem[T]{
		Data:          value,
		ServerID:      serverID,
		PendingStatus: models.PendingSuccess,
	}
	p.items[serverID] = item
	return *item
}

// Get returns a copy of the item for a key. Lookups by temp id keep working
// after the server id is assigned.
func (p *Projector[T]) Get(key string) (models.OptimisticItem[T], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item := p.lookup(key)
	if item == nil {
		return models.OptimisticItem[T]{}, false
	}
	return *item, true
}

// All returns the visible list: everything except items with a pending
// delete, which disappear from the UI before the server confirms.
func (p *Projector[T]) All() []models.OptimisticItem[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.OptimisticItem[T], 0, len(p.items))
	for _, item := range p.items {
		if item.PendingStatus == models.PendingDeleting {
			continue
		}
		out = append(out, *item)
	}
	return out
}

// Pending returns items with an unresolved local write.
func (p *Projector[T]) Pending() []models.OptimisticItem[T] {
	return p.selectByStatus(func(s models.PendingStatus) bool { return s.InFlight() })
}

// Failed returns items whose last write was rejected and awaits user action.
func (p *Projector[T]) Failed() []models.OptimisticItem[T] {
	return p.selectByStatus(func(s models.PendingStatus) bool { return s == models.PendingFailed })
}

func (p *Projector[T]) selectByStatus(match func(models.PendingStatus) bool) []models.OptimisticItem[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.OptimisticItem[T]
	for _, item := range p.items {
		if match(item.PendingStatus) {
			out = append(out, *item)
		}
	}
	return out
}

// MarkCreating tags the item as having an unacknowledged create.
func (p *Projector[T]) MarkCreating(key, queueID string) error {
	return p.setPending(key, models.PendingCreating, queueID)
}

// MarkUpdating tags the item as having an unacknowledged update.
func (p *Projector[T]) MarkUpdating(key, queueID string) error {
	return p.setPending(key, models.PendingUpdating, queueID)
}

// MarkDeleting hides the item from visible selectors while the delete is in
// flight. The item is retained so a failed delete can be rolled back.
func (p *Projector[T]) MarkDeleting(key, queueID string) error {
	return p.setPending(key, models.PendingDeleting, queueID)
}

func (p *Projector[T]) setPending(key string, status models.PendingStatus, queueID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}
	item.PendingStatus = status
	item.QueueID = queueID
	item.Error = ""
	return nil
}

// MarkSynced is the single reconciliation path: it applies the canonical
// server entity, assigns the server id, retains the temp mapping, and
// replays any updates buffered while the write was in flight.
func (p *Projector[T]) MarkSynced(key, serverID string, body json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}

	oldKey := item.Key()
	if len(body) > 0 {
		if err := p.decodeInto(item, body); err != nil {
			return err
		}
	}

	if serverID != "" && item.ServerID == "" {
		item.ServerID = serverID
		if item.TempID != "" {
			p.tempToServer[item.TempID] = serverID
			delete(p.items, item.TempID)
			p.items[serverID] = item
		}
	}
	item.PendingStatus = models.PendingSuccess
	item.QueueID = ""
	item.Error = ""

	p.rekeyBuffered(oldKey, item.Key())
	p.replayBuffered(item)
	return nil
}

// MarkFailed records a rejected write. The item stays visible and
// inspectable until the user dismisses or retries it.
func (p *Projector[T]) MarkFailed(key, queueID, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}
	item.PendingStatus = models.PendingFailed
	if queueID != "" {
		item.QueueID = queueID
	}
	item.Error = message
	p.replayBuffered(item)
	return nil
}

// RevertDelete rolls a failed delete back to a visible synced item without
// a re-fetch.
func (p *Projector[T]) RevertDelete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}
	if item.PendingStatus != models.PendingDeleting && item.PendingStatus != models.PendingFailed {
		return fmt.Errorf("item %s has no delete to revert", key)
	}
	item.PendingStatus = models.PendingSuccess
	item.QueueID = ""
	item.Error = ""
	p.replayBuffered(item)
	return nil
}

// ConfirmDelete removes the item after the server acknowledged the delete.
func (p *Projector[T]) ConfirmDelete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}
	delete(p.items, item.Key())
	delete(p.buffered, item.Key())
	if item.TempID != "" {
		delete(p.items, item.TempID)
		delete(p.tempToServer, item.TempID)
	}
	return nil
}

// Dismiss acknowledges a failed item. A failed create vanishes (it never
// existed server-side); failed updates and deletes revert to the last
// confirmed state.
func (p *Projector[T]) Dismiss(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}
	if item.PendingStatus != models.PendingFailed {
		return fmt.Errorf("item %s is not failed", key)
	}
	if item.ServerID == "" {
		delete(p.items, item.Key())
		delete(p.buffered, item.Key())
		delete(p.tempToServer, item.TempID)
		return nil
	}
	item.PendingStatus = models.PendingSuccess
	item.QueueID = ""
	item.Error = ""
	p.replayBuffered(item)
	return nil
}

// ApplyRemote merges a server-pushed event into the projection. Events for
// an entity with an in-flight local write are buffered and replayed once the
// write resolves; everything else applies immediately (server wins).
func (p *Projector[T]) ApplyRemote(update models.SocketUpdate, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lookup(key)
	if item == nil {
		// Another actor created the entity; surface it.
		var value T
		if len(update.Data) > 0 {
			if err := json.Unmarshal(update.Data, &value); err != nil {
				return fmt.Errorf("decode remote entity: %w", err)
			}
		}
		p.items[key] = &models.OptimisticItem[T]{
			Data:          value,
			ServerID:      key,
			PendingStatus: models.PendingSuccess,
		}
		return nil
	}

	if item.PendingStatus.InFlight() {
		p.buffered[item.Key()] = append(p.buffered[item.Key()], update)
		return nil
	}
	return p.decodeInto(item, update.Data)
}

// lookup resolves temp ids through the retained mapping. Callers hold p.mu.
func (p *Projector[T]) lookup(key string) *models.OptimisticItem[T] {
	if item, ok := p.items[key]; ok {
		return item
	}
	if serverID, ok := p.tempToServer[key]; ok {
		return p.items[serverID]
	}
	return nil
}

// decodeInto unmarshals on top of a copy of the current value so partial
// payloads keep unspecified fields intact.
func (p *Projector[T]) decodeInto(item *models.OptimisticItem[T], body json.RawMessage) error {
	if len(body) == 0 {
		return nil
	}
	value := item.Data
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("decode entity body: %w", err)
	}
	item.Data = value
	return nil
}

func (p *Projector[T]) rekeyBuffered(oldKey, newKey string) {
	if oldKey == newKey {
		return
	}
	if pending, ok := p.buffered[oldKey]; ok {
		p.buffered[newKey] = append(p.buffered[newKey], pending...)
		delete(p.buffered, oldKey)
	}
}

// replayBuffered applies updates buffered during an in-flight write, in
// arrival order. Callers hold p.mu and have already resolved the write.
func (p *Projector[T]) replayBuffered(item *models.OptimisticItem[T]) {
	key := item.Key()
	pending := p.buffered[key]
	if len(pending) == 0 {
		return
	}
	delete(p.buffered, key)
	for _, update := range pending {
		if err := p.decodeInto(item, update.Data); err != nil {
			p.logger.Warn().Err(err).Str("key", key).Str("event", update.Type).Msg("dropping undecodable buffered update")
		}
	}
}
