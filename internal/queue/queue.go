package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/domain"
	"ordersync/internal/events"
	"ordersync/internal/metrics"
	"ordersync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Decision tells the coordinator what the queue decided after a failure.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionGaveUp
)

var (
	ErrNotPending     = errors.New("mutation is not pending")
	ErrNotCancellable = errors.New("mutation is in flight or already resolved")
)

// EnqueueRequest describes one write operation issued by the app.
type EnqueueRequest struct {
	ResourceType string
	Operation    models.Operation
	TargetID     string
	Payload      json.RawMessage
}

// Queue is the persisted mutation queue. sqlite is the durable record;
// redis, when configured, carries a fast-path mirror and the dead-letter list.
type Queue struct {
	store         domain.QueueStore
	redis         *redis.Client
	policy        RetryPolicy
	bus           domain.EventPublisher
	logger        *zerolog.Logger
	redisQueueKey string
	deadLetterKey string
}

// New builds a queue with sane defaults.
func New(store domain.QueueStore, redisClient *redis.Client, policy RetryPolicy, bus domain.EventPublisher, logger *zerolog.Logger) *Queue {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = 2 * time.Second
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = time.Minute
	}
	if policy.BackoffFactor == 0 {
		policy.BackoffFactor = 2
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Queue{
		store:         store,
		redis:         redisClient,
		policy:        policy,
		bus:           bus,
		logger:        logger,
		redisQueueKey: "ordersync:queue",
		deadLetterKey: "ordersync:deadletter",
	}
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Enqueue persists a write operation for later replay. A delete aimed at an
// entity whose create never reached the server collapses the pair into a
// no-op; a delete also supersedes any still-pending updates for its entity.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueEntry, error) {
	if req.ResourceType == "" {
		return nil, errors.New("resource type is required")
	}
	if req.TargetID == "" {
		return nil, errors.New("target id is required")
	}
	switch req.Operation {
	case models.OpCreate, models.OpUpdate:
		if len(req.Payload) == 0 {
			return nil, errors.New("payload is required")
		}
	case models.OpDelete:
	default:
		return nil, fmt.Errorf("unknown operation: %s", req.Operation)
	}

	entry := &models.QueueEntry{
		ID:           uuid.NewString(),
		ResourceType: req.ResourceType,
		Operation:    req.Operation,
		TargetID:     req.TargetID,
		Payload:      req.Payload,
		Status:       models.QueuePending,
		CreatedAt:    time.Now(),
	}

	if req.Operation == models.OpDelete {
		collapsed, err := q.supersedePending(ctx, req.ResourceType, req.TargetID)
		if err != nil {
			return nil, err
		}
		if collapsed {
			// The entity never existed server-side; record the delete as done.
			entry.Status = models.QueueCompleted
			now := time.Now()
			entry.ProcessedAt = &now
		}
	}

	if err := q.store.InsertMutation(ctx, entry); err != nil {
		return nil, fmt.Errorf("persist mutation: %w", err)
	}

	if entry.Status == models.QueuePending {
		q.mirrorToRedis(ctx, entry)
	}

	q.publishMutationEvent(events.EventMutationEnqueued, entry, "")
	q.refreshPendingGauge(ctx)

	return entry, nil
}

// supersedePending cancels pending updates ahead of a delete and reports
// whether an unsynced create was among them (the collapse case).
func (q *Queue) supersedePending(ctx context.Context, resourceType, targetID string) (bool, error) {
	entries, err := q.store.PendingForTarget(ctx, resourceType, targetID)
	if err != nil {
		return false, fmt.Errorf("lookup pending for target: %w", err)
	}

	collapsed := false
	for i := range entries {
		e := &entries[i]
		if e.Status == models.QueueInFlight {
			// In-flight operations run to completion; the delete waits behind them.
			continue
		}
		if e.Operation == models.OpCreate {
			collapsed = true
		}
		if err := q.store.UpdateMutationStatus(ctx, e.ID, models.QueueCancelled, "superseded by delete", nil); err != nil {
			return false, err
		}
	}
	return collapsed, nil
}

// PeekNext returns the oldest replayable entry for a resource type, or nil.
func (q *Queue) PeekNext(ctx context.Context, resourceType string) (*models.QueueEntry, error) {
	entries, err := q.store.PendingMutations(ctx, 100)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ResourceType == resourceType {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// MarkInFlight transitions a pending entry to in_flight. Once in flight the
// entry can no longer be cancelled.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	entry, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != models.QueuePending && entry.Status != models.QueueRetry {
		return ErrNotPending
	}
	return q.store.UpdateMutationStatus(ctx, id, models.QueueInFlight, "", nil)
}

// MarkSucceeded records a confirmed replay.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	if err := q.store.UpdateMutationStatus(ctx, id, models.QueueCompleted, "", nil); err != nil {
		return err
	}
	metrics.IncReplayed("success")
	q.refreshPendingGauge(ctx)
	return nil
}

// MarkFailed records a transient failure and decides retry versus give-up.
// On give-up the entry goes terminal failed and lands on the dead-letter list.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (Decision, error) {
	entry, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return DecisionGaveUp, err
	}

	attempt := entry.Attempts + 1
	if attempt >= q.policy.MaxRetries {
		if err := q.failTerminal(ctx, entry, cause.Error()); err != nil {
			return DecisionGaveUp, err
		}
		return DecisionGaveUp, nil
	}

	nextDelay := q.policy.NextDelay(attempt)
	nextTime := time.Now().Add(nextDelay)
	if err := q.store.UpdateMutationStatus(ctx, id, models.QueueRetry, cause.Error(), &nextTime); err != nil {
		return DecisionGaveUp, err
	}
	metrics.IncReplayed("retry")
	q.logger.Warn().Str("queue_id", id).Int("attempt", attempt).Dur("next_delay", nextDelay).
		Str("error", cause.Error()).Msg("mutation scheduled for retry")
	return DecisionRetry, nil
}

// Fail marks an entry terminally failed with no retry. Used for permanent
// (4xx) server rejections.
func (q *Queue) Fail(ctx context.Context, id, message string) error {
	entry, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	return q.failTerminal(ctx, entry, message)
}

func (q *Queue) failTerminal(ctx context.Context, entry *models.QueueEntry, message string) error {
	if err := q.store.UpdateMutationStatus(ctx, entry.ID, models.QueueFailed, message, nil); err != nil {
		return err
	}
	entry.Status = models.QueueFailed
	entry.LastError = &message
	q.pushDeadLetter(ctx, entry)
	q.publishMutationEvent(events.EventMutationFailed, entry, message)
	metrics.IncReplayed("failed")
	q.refreshPendingGauge(ctx)
	return nil
}

// Cancel withdraws an entry that has not gone out on the network yet.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	entry, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != models.QueuePending && entry.Status != models.QueueRetry {
		return ErrNotCancellable
	}
	if err := q.store.UpdateMutationStatus(ctx, id, models.QueueCancelled, "cancelled by user", nil); err != nil {
		return err
	}
	q.refreshPendingGauge(ctx)
	return nil
}

// Release returns an in-flight entry to pending without consuming an
// attempt. Used when the network dropped before the replay went out.
func (q *Queue) Release(ctx context.Context, id string) error {
	entry, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != models.QueueInFlight {
		return nil
	}
	if err := q.store.UpdateMutationStatus(ctx, id, models.QueuePending, "", nil); err != nil {
		return err
	}
	q.refreshPendingGauge(ctx)
	return nil
}

// Retry returns a terminally failed entry to the pending set with a fresh
// attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	entry, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != models.QueueFailed {
		return fmt.Errorf("mutation %s is not failed", id)
	}
	if err := q.store.ResetMutation(ctx, id); err != nil {
		return err
	}
	entry.Status = models.QueuePending
	q.mirrorToRedis(ctx, entry)
	q.refreshPendingGauge(ctx)
	return nil
}

// ListPending returns replayable entries in FIFO order.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return q.store.PendingMutations(ctx, limit)
}

// Failed returns terminally failed entries awaiting user action.
func (q *Queue) Failed(ctx context.Context) ([]models.QueueEntry, error) {
	return q.store.MutationsByStatus(ctx, models.QueueFailed)
}

// Get fetches one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return q.store.GetMutation(ctx, id)
}

// ResolveTempTarget rewrites queued entries from a temp id to the
// server-assigned id after a create is acknowledged.
func (q *Queue) ResolveTempTarget(ctx context.Context, tempID, serverID string) error {
	return q.store.RewriteTarget(ctx, tempID, serverID)
}

// Resume prepares the queue after process start: entries stranded in_flight
// by a crash go back to pending, and the pending gauge is primed.
func (q *Queue) Resume(ctx context.Context) (int, error) {
	requeued, err := q.store.RequeueInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		q.logger.Info().Int("count", requeued).Msg("requeued in-flight mutations after restart")
	}
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SetQueuePending(n)
	return n, nil
}

// HasMirror reports whether a redis fast-path mirror is configured.
func (q *Queue) HasMirror() bool {
	return q.redis != nil
}

// PopMirror takes one entry id off the redis fast-path list, if any.
// The sqlite row stays authoritative; callers must re-read it.
func (q *Queue) PopMirror(ctx context.Context) (string, bool) {
	if q.redis == nil {
		return "", false
	}
	res, err := q.redis.BRPop(ctx, time.Second, q.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			q.logger.Warn().Err(err).Msg("redis BRPOP error")
		}
		return "", false
	}
	if len(res) != 2 {
		return "", false
	}
	return res[1], true
}

func (q *Queue) mirrorToRedis(ctx context.Context, entry *models.QueueEntry) {
	if q.redis == nil {
		return
	}
	if err := q.redis.LPush(ctx, q.redisQueueKey, entry.ID).Err(); err != nil {
		q.logger.Warn().Err(err).Str("queue_id", entry.ID).Msg("redis mirror push failed, sqlite polling will pick it up")
	}
}

func (q *Queue) pushDeadLetter(ctx context.Context, entry *models.QueueEntry) {
	if q.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		q.logger.Warn().Err(err).Str("queue_id", entry.ID).Msg("encode deadletter entry")
		return
	}
	if err := q.redis.LPush(ctx, q.deadLetterKey, data).Err(); err != nil {
		q.logger.Warn().Err(err).Str("queue_id", entry.ID).Msg("deadletter push failed")
	}
}

func (q *Queue) publishMutationEvent(eventType string, entry *models.QueueEntry, errMsg string) {
	if q.bus == nil {
		return
	}
	_ = q.bus.PublishJSON(eventType, events.MutationEventPayload{
		QueueID:      entry.ID,
		ResourceType: entry.ResourceType,
		Operation:    string(entry.Operation),
		TargetID:     entry.TargetID,
		Attempts:     entry.Attempts,
		Error:        errMsg,
	})
}

func (q *Queue) refreshPendingGauge(ctx context.Context) {
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return
	}
	metrics.SetQueuePending(n)
}
