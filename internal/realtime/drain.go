package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"ordersync/internal/metrics"
	"ordersync/internal/models"
)

type bufferKey struct {
	eventType string
	resource  string
}

type pendingUpdate struct {
	update   models.SocketUpdate
	resource string
}

// updateBuffer accumulates received events between drain cycles. Repeated
// events for the same (type, entity) pair collapse to the latest payload
// while keeping the original position in line, so a burst of courier pings
// costs one application instead of fifty.
type updateBuffer struct {
	mu        sync.Mutex
	seq       uint64
	pending   map[bufferKey]pendingUpdate
	coalesced int
}

func newUpdateBuffer() *updateBuffer {
	return &updateBuffer{pending: make(map[bufferKey]pendingUpdate)}
}

// push stamps the arrival sequence and stores the update. Returns the number
// of distinct updates waiting.
func (b *updateBuffer) push(update models.SocketUpdate, resource string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	update.Seq = b.seq

	key := bufferKey{eventType: update.Type, resource: resource}
	if prev, ok := b.pending[key]; ok {
		update.Seq = prev.update.Seq
		b.coalesced++
	}
	b.pending[key] = pendingUpdate{update: update, resource: resource}
	return len(b.pending)
}

// drain snapshots and clears the buffer.
func (b *updateBuffer) drain() (batch []pendingUpdate, coalesced int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 && b.coalesced == 0 {
		return nil, 0
	}

	batch = make([]pendingUpdate, 0, len(b.pending))
	for _, item := range b.pending {
		batch = append(batch, item)
	}
	coalesced = b.coalesced

	b.pending = make(map[bufferKey]pendingUpdate)
	b.coalesced = 0
	return batch, coalesced
}

func (c *Channel) drainLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drainOnce()
			return
		case <-ticker.C:
		case <-c.wake:
		}
		c.drainOnce()
	}
}

// entityBatch is the per-entity slice of a drained batch. Priority ranks the
// whole slice, never individual events, so a high priority event pulls its
// entity's earlier events forward instead of jumping past them.
type entityBatch struct {
	priority models.Priority
	firstSeq uint64
	items    []pendingUpdate
}

// drainOnce delivers the buffered batch grouped by entity. Groups are ranked
// by the highest priority they contain, ties by arrival; inside a group events
// always land in the order the server sent them.
func (c *Channel) drainOnce() {
	batch, coalesced := c.buffer.drain()
	if coalesced > 0 {
		metrics.AddCoalesced(coalesced)
	}
	if len(batch) == 0 {
		return
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].update.Seq < batch[j].update.Seq
	})

	groups := make(map[string]*entityBatch)
	var ranked []*entityBatch
	for _, item := range batch {
		key := item.resource
		if key == "" {
			// Keyless events group by type so they never fence
			// unrelated entities together.
			key = "\x00" + item.update.Type
		}
		g, ok := groups[key]
		if !ok {
			g = &entityBatch{priority: item.update.Priority, firstSeq: item.update.Seq}
			groups[key] = g
			ranked = append(ranked, g)
		}
		if item.update.Priority > g.priority {
			g.priority = item.update.Priority
		}
		g.items = append(g.items, item)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority > ranked[j].priority
		}
		return ranked[i].firstSeq < ranked[j].firstSeq
	})

	for _, g := range ranked {
		for _, item := range g.items {
			c.deliver(item)
		}
	}
}

func (c *Channel) deliver(item pendingUpdate) {
	family := eventFamily(item.update.Type)

	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[family]...)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug().Str("event", item.update.Type).Msg("no handler for event family")
		return
	}
	for _, handler := range handlers {
		handler(item.update, item.resource)
	}
}
