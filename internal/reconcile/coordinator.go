package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ordersync/internal/api"
	"ordersync/internal/domain"
	"ordersync/internal/events"
	"ordersync/internal/models"
	"ordersync/internal/queue"

	"github.com/rs/zerolog"
)

// ErrUnknownResource is returned for queue entries whose resource type has no
// registered applier.
var ErrUnknownResource = errors.New("no applier registered for resource type")

// Options configures the coordinator.
type Options struct {
	// Concurrency caps how many entity groups replay at the same time.
	Concurrency int
	// DrainInterval paces the periodic background drain.
	DrainInterval time.Duration
	// BatchSize limits how many entries one drain pass picks up.
	BatchSize int
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Processed int
	Succeeded int
	Retried   int
	Failed    int
	Released  int
	Offline   bool
}

// Coordinator drains the mutation queue against the ordering API and keeps
// the optimistic projections in step with the outcome. Entries for the same
// entity replay strictly in order; distinct entities replay concurrently up
// to the configured cap.
type Coordinator struct {
	queue     *queue.Queue
	transport domain.Transport
	bus       domain.EventPublisher
	logger    *zerolog.Logger
	opts      Options

	mu       sync.RWMutex
	appliers map[string]domain.StateApplier

	draining atomic.Bool
	wake     chan struct{}
}

// New builds a coordinator.
func New(q *queue.Queue, transport domain.Transport, bus domain.EventPublisher, logger *zerolog.Logger, opts Options) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Coordinator{
		queue:     q,
		transport: transport,
		bus:       bus,
		logger:    logger,
		opts:      opts,
		appliers:  make(map[string]domain.StateApplier),
		wake:      make(chan struct{}, 1),
	}
}

// Register binds a resource type to its optimistic projector.
func (c *Coordinator) Register(resourceType string, applier domain.StateApplier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appliers[resourceType] = applier
}

func (c *Coordinator) applier(resourceType string) (domain.StateApplier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	applier, ok := c.appliers[resourceType]
	return applier, ok
}

// Wake nudges the run loop to drain now, e.g. after connectivity returns.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drains periodically until the context is cancelled. The redis mirror,
// when present, is consumed as a fast path so fresh mutations replay without
// waiting out the ticker.
func (c *Coordinator) Run(ctx context.Context) {
	// Without a mirror the loop would spin on an instant miss, so the
	// ticker and Wake are the only triggers.
	if c.queue.HasMirror() {
		go c.mirrorLoop(ctx)
	}

	ticker := time.NewTicker(c.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
		if _, err := c.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("drain pass failed")
		}
	}
}

func (c *Coordinator) mirrorLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, ok := c.queue.PopMirror(ctx); ok {
			c.Wake()
		}
	}
}

// Drain replays one batch of pending mutations. At most one pass runs at a
// time. Losing the network aborts the pass: untouched entries stay pending
// and consume no attempt.
func (c *Coordinator) Drain(ctx context.Context) (DrainStats, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return DrainStats{}, nil
	}
	defer c.draining.Store(false)

	entries, err := c.queue.ListPending(ctx, c.opts.BatchSize)
	if err != nil {
		return DrainStats{}, err
	}
	if len(entries) == 0 {
		return DrainStats{}, nil
	}

	groups, order := groupByEntity(entries)

	var (
		statsMu sync.Mutex
		stats   DrainStats
		offline atomic.Bool
		wg      sync.WaitGroup
		sem     = make(chan struct{}, c.opts.Concurrency)
	)

	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			groupStats := c.drainGroup(ctx, group, &offline)

			statsMu.Lock()
			stats.Processed += groupStats.Processed
			stats.Succeeded += groupStats.Succeeded
			stats.Retried += groupStats.Retried
			stats.Failed += groupStats.Failed
			stats.Released += groupStats.Released
			statsMu.Unlock()
		}()
	}
	wg.Wait()

	stats.Offline = offline.Load()
	if stats.Processed > 0 && c.bus != nil {
		_ = c.bus.PublishJSON(events.EventQueueDrained, events.DrainEventPayload{
			Processed: stats.Processed,
			Succeeded: stats.Succeeded,
			Retried:   stats.Retried,
			Failed:    stats.Failed,
		})
	}

	c.logger.Debug().Int("processed", stats.Processed).Int("succeeded", stats.Succeeded).
		Int("retried", stats.Retried).Int("failed", stats.Failed).Bool("offline", stats.Offline).
		Msg("drain pass finished")
	return stats, nil
}

// groupByEntity buckets entries per (resource, entity) keeping FIFO inside
// each bucket and the overall first-seen order across buckets.
func groupByEntity(entries []models.QueueEntry) (map[string][]models.QueueEntry, []string) {
	groups := make(map[string][]models.QueueEntry)
	var order []string
	for _, e := range entries {
		key := e.ResourceType + "/" + e.TargetID
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}
	return groups, order
}

// drainGroup replays one entity's entries sequentially. A failed entry stops
// the group so later writes never overtake an earlier one.
func (c *Coordinator) drainGroup(ctx context.Context, group []models.QueueEntry, offline *atomic.Bool) DrainStats {
	var stats DrainStats
	for i := range group {
		entry := &group[i]
		if offline.Load() || ctx.Err() != nil {
			return stats
		}

		outcome := c.replay(ctx, entry)
		stats.Processed++
		switch outcome {
		case outcomeSucceeded:
			stats.Succeeded++
		case outcomeRetried:
			stats.Retried++
			return stats
		case outcomeFailed:
			stats.Failed++
			return stats
		case outcomeOffline:
			stats.Processed--
			stats.Released++
			offline.Store(true)
			return stats
		case outcomeSkipped:
			stats.Processed--
		}
	}
	return stats
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeOffline
	outcomeSkipped
)

// replay pushes one entry through the transport and settles queue and
// projection state from the result.
func (c *Coordinator) replay(ctx context.Context, entry *models.QueueEntry) outcome {
	applier, ok := c.applier(entry.ResourceType)
	if !ok {
		c.logger.Error().Str("resource", entry.ResourceType).Str("queue_id", entry.ID).
			Msg("no applier registered, failing entry")
		_ = c.queue.Fail(ctx, entry.ID, ErrUnknownResource.Error())
		return outcomeFailed
	}

	if err := c.queue.MarkInFlight(ctx, entry.ID); err != nil {
		if errors.Is(err, queue.ErrNotPending) {
			return outcomeSkipped
		}
		c.logger.Error().Err(err).Str("queue_id", entry.ID).Msg("mark in-flight failed")
		return outcomeSkipped
	}

	// Re-read the row: an earlier create in this group may have rewritten the
	// target from a temp id to the server id.
	if fresh, err := c.queue.Get(ctx, entry.ID); err == nil {
		entry = fresh
	}

	err := c.send(ctx, entry, applier)
	if err == nil {
		return outcomeSucceeded
	}

	if errors.Is(err, api.ErrNetworkUnavailable) || errors.Is(err, context.Canceled) {
		// Nothing reached the server; put the entry back untouched.
		if relErr := c.queue.Release(ctx, entry.ID); relErr != nil {
			c.logger.Error().Err(relErr).Str("queue_id", entry.ID).Msg("release failed")
		}
		return outcomeOffline
	}

	if api.IsPermanent(err) {
		message := api.Message(err)
		if message == "" {
			message = err.Error()
		}
		if failErr := c.queue.Fail(ctx, entry.ID, message); failErr != nil {
			c.logger.Error().Err(failErr).Str("queue_id", entry.ID).Msg("fail terminal failed")
		}
		c.applyFailed(applier, entry, message)
		return outcomeFailed
	}

	// Transient: timeouts, 5xx, throttling. The queue decides retry or give-up.
	decision, markErr := c.queue.MarkFailed(ctx, entry.ID, err)
	if markErr != nil {
		c.logger.Error().Err(markErr).Str("queue_id", entry.ID).Msg("mark failed errored")
		return outcomeRetried
	}
	if decision == queue.DecisionGaveUp {
		c.applyFailed(applier, entry, err.Error())
		return outcomeFailed
	}
	return outcomeRetried
}

func (c *Coordinator) send(ctx context.Context, entry *models.QueueEntry, applier domain.StateApplier) error {
	switch entry.Operation {
	case models.OpCreate:
		entity, err := c.transport.Create(ctx, entry.ResourceType, entry.Payload)
		if err != nil {
			return err
		}
		return c.settleWrite(ctx, entry, applier, entity)

	case models.OpUpdate:
		entity, err := c.transport.Update(ctx, entry.ResourceType, entry.TargetID, entry.Payload)
		if err != nil {
			return err
		}
		return c.settleWrite(ctx, entry, applier, entity)

	case models.OpDelete:
		if err := c.transport.Delete(ctx, entry.ResourceType, entry.TargetID); err != nil {
			return err
		}
		if err := c.queue.MarkSucceeded(ctx, entry.ID); err != nil {
			return err
		}
		if err := applier.ConfirmDelete(entry.TargetID); err != nil {
			c.logger.Debug().Err(err).Str("target", entry.TargetID).Msg("confirm delete on projection")
		}
		c.publishSynced(entry, "")
		return nil

	default:
		return errors.New("unknown operation: " + string(entry.Operation))
	}
}

// settleWrite records a confirmed create or update: queue entry done, later
// queued entries rewritten from the temp id, projection reconciled.
func (c *Coordinator) settleWrite(ctx context.Context, entry *models.QueueEntry, applier domain.StateApplier, entity *domain.ServerEntity) error {
	if err := c.queue.MarkSucceeded(ctx, entry.ID); err != nil {
		return err
	}

	if entry.Operation == models.OpCreate && entity.ID != entry.TargetID {
		if err := c.queue.ResolveTempTarget(ctx, entry.TargetID, entity.ID); err != nil {
			c.logger.Error().Err(err).Str("temp_id", entry.TargetID).Str("server_id", entity.ID).
				Msg("rewrite queued targets failed")
		}
	}

	if err := applier.ApplySynced(entry.TargetID, entity.ID, entity.Body); err != nil {
		c.logger.Debug().Err(err).Str("target", entry.TargetID).Msg("apply synced on projection")
	}
	c.publishSynced(entry, entity.ID)
	return nil
}

func (c *Coordinator) applyFailed(applier domain.StateApplier, entry *models.QueueEntry, message string) {
	if err := applier.ApplyFailed(entry.TargetID, entry.ID, message); err != nil {
		c.logger.Debug().Err(err).Str("target", entry.TargetID).Msg("apply failed on projection")
	}
}

func (c *Coordinator) publishSynced(entry *models.QueueEntry, serverID string) {
	if c.bus == nil {
		return
	}
	_ = c.bus.PublishJSON(events.EventMutationSynced, events.MutationEventPayload{
		QueueID:      entry.ID,
		ResourceType: entry.ResourceType,
		Operation:    string(entry.Operation),
		TargetID:     entry.TargetID,
		ServerID:     serverID,
	})
}
