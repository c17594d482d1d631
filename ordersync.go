// Package ordersync is the client-side resilience layer for the restaurant
// ordering apps. Writes issued while offline are persisted in a local
// mutation queue and replayed once connectivity returns; reads are served
// from optimistic projections kept in step with both local writes and
// server-pushed realtime events.
package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ordersync/internal/api"
	"ordersync/internal/cache"
	"ordersync/internal/config"
	"ordersync/internal/database"
	"ordersync/internal/domain"
	"ordersync/internal/events"
	"ordersync/internal/export"
	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/queue"
	"ordersync/internal/realtime"
	"ordersync/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrAlreadyStarted is returned by Start on a running client.
var ErrAlreadyStarted = errors.New("client already started")

type resource struct {
	applier domain.StateApplier
	family  string
}

// Client wires the mutation queue, the optimistic projections, the realtime
// channel and the reconciliation coordinator into one unit the apps embed.
type Client struct {
	cfg    *config.Config
	logger *zerolog.Logger
	bus    *events.EventBus

	db        *database.DB
	redis     *redis.Client
	queue     *queue.Queue
	transport *api.Client
	coord     *reconcile.Coordinator
	channel   *realtime.Channel
	snapshots domain.SnapshotStore
	exporter  *export.Exporter

	mu        sync.RWMutex
	resources map[string]resource
	auth      realtime.AuthContext

	started    atomic.Bool
	cancel     context.CancelFunc
	metricsSrv *http.Server
	redisOwned bool
	closeOnce  sync.Once
}

// New builds a Client from configuration. Start must be called before
// enqueueing writes.
func New(cfg *config.Config, logger *zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = cache.NewRedisClient(cfg.Redis)
	}

	bus := events.NewEventBus()
	policy := queue.RetryPolicy{
		MaxRetries:    cfg.Queue.MaxRetries,
		InitialDelay:  cfg.Queue.QueueInitialDelay(),
		MaxDelay:      cfg.Queue.QueueMaxDelay(),
		BackoffFactor: cfg.Queue.BackoffFactor,
		Jitter:        cfg.Queue.Jitter,
	}
	q := queue.New(db, redisClient, policy, bus, logger)

	transport := api.NewClient(
		cfg.API.BaseURL,
		cfg.API.Token,
		time.Duration(cfg.Sync.RequestTimeout)*time.Second,
		cfg.Sync.RPS,
		cfg.Sync.Burst,
	)

	coord := reconcile.New(q, transport, bus, logger, reconcile.Options{
		Concurrency:   cfg.Sync.Concurrency,
		DrainInterval: time.Duration(cfg.Sync.DrainInterval) * time.Second,
		BatchSize:     cfg.Queue.BatchSize,
	})

	var snapshots domain.SnapshotStore = cache.NewMemorySnapshotStore()
	if redisClient != nil {
		snapshots = cache.NewFailoverSnapshotStore(
			cache.NewRedisSnapshotStore(redisClient, 24*time.Hour),
			cache.NewMemorySnapshotStore(),
			logger,
		)
	}

	return &Client{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		db:         db,
		redis:      redisClient,
		queue:      q,
		transport:  transport,
		coord:      coord,
		snapshots:  snapshots,
		exporter:   export.New(cfg.Exports.Path, logger),
		resources:  make(map[string]resource),
		auth:       realtime.AuthContext{Token: cfg.API.Token},
		redisOwned: redisClient != nil,
	}, nil
}

// SetAuth sets the identity announced on the realtime channel. Call before
// Start.
func (c *Client) SetAuth(auth realtime.AuthContext) {
	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()
	if auth.Token != "" {
		c.transport.SetToken(auth.Token)
	}
}

// RegisterResource binds a resource type to its optimistic projector. Call
// before Start for every resource the app renders.
func (c *Client) RegisterResource(resourceType string, applier domain.StateApplier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[resourceType] = resource{applier: applier, family: familyFor(resourceType)}
	c.coord.Register(resourceType, applier)
}

// familyFor maps a plural resource type to its realtime event family,
// e.g. "orders" to "order".
func familyFor(resourceType string) string {
	if resourceType == models.ResourceMenu {
		return "menu"
	}
	return strings.TrimSuffix(resourceType, "s")
}

// Bus exposes the lifecycle event bus for the embedding app.
func (c *Client) Bus() *events.EventBus {
	return c.bus
}

// Channel returns the realtime channel, nil before Start.
func (c *Client) Channel() *realtime.Channel {
	return c.channel
}

// Start resumes the queue, seeds projections from cached snapshots, connects
// the realtime channel and launches the background coordinator. A failed
// channel connect is not fatal: the client starts offline and the queue
// accumulates writes.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	metrics.Register()

	pending, err := c.queue.Resume(ctx)
	if err != nil {
		c.started.Store(false)
		return fmt.Errorf("resume queue: %w", err)
	}
	c.logger.Info().Int("pending", pending).Msg("mutation queue resumed")

	c.seedProjections(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.channel = realtime.New(realtime.Options{
		URL:            c.cfg.Realtime.URL,
		Auth:           c.currentAuth(),
		Heartbeat:      time.Duration(c.cfg.Realtime.Heartbeat) * time.Second,
		DrainInterval:  time.Duration(c.cfg.Realtime.DrainInterval) * time.Millisecond,
		BatchThreshold: c.cfg.Realtime.BatchThreshold,
		Reconnect: queue.RetryPolicy{
			MaxRetries:    c.cfg.Realtime.Reconnect.MaxAttempts,
			InitialDelay:  time.Duration(c.cfg.Realtime.Reconnect.InitialDelay) * time.Millisecond,
			MaxDelay:      time.Duration(c.cfg.Realtime.Reconnect.MaxDelay) * time.Millisecond,
			BackoffFactor: c.cfg.Realtime.Reconnect.BackoffFactor,
		},
		Bus:    c.bus,
		Logger: c.logger,
	})
	c.wireRealtime()

	// Connectivity back means the backlog can move again.
	c.bus.Subscribe(events.EventChannelResumed, func(*events.Event) error {
		c.coord.Wake()
		return nil
	})
	c.bus.Subscribe(events.EventMutationSynced, func(e *events.Event) error {
		var payload events.MutationEventPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return err
		}
		c.persistSnapshot(context.Background(), payload.ResourceType)
		return nil
	})

	if c.cfg.Realtime.URL != "" {
		if err := c.channel.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("realtime connect failed, starting offline")
		}
	}

	go c.coord.Run(runCtx)
	c.startMetricsServer()
	c.coord.Wake()
	return nil
}

func (c *Client) currentAuth() realtime.AuthContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

func (c *Client) wireRealtime() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for resourceType, res := range c.resources {
		applier := res.applier
		rt := resourceType
		c.channel.On(res.family, func(update models.SocketUpdate, key string) {
			if key == "" {
				c.logger.Debug().Str("event", update.Type).Msg("realtime event without entity key")
				return
			}
			if err := applier.ApplyRemote(update, key); err != nil {
				c.logger.Warn().Err(err).Str("event", update.Type).Str("key", key).Msg("apply remote event")
			}
			c.persistSnapshot(context.Background(), rt)
		})
	}
}

func (c *Client) seedProjections(ctx context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for resourceType, res := range c.resources {
		seeder, ok := res.applier.(domain.SnapshotCapable)
		if !ok {
			continue
		}
		data, err := c.snapshots.GetSnapshot(ctx, resourceType)
		if err != nil || len(data) == 0 {
			continue
		}
		if err := seeder.SeedSnapshot(data); err != nil {
			c.logger.Warn().Err(err).Str("resource", resourceType).Msg("seed projection from snapshot")
		}
	}
}

func (c *Client) persistSnapshot(ctx context.Context, resourceType string) {
	c.mu.RLock()
	res, ok := c.resources[resourceType]
	c.mu.RUnlock()
	if !ok {
		return
	}
	capable, ok := res.applier.(domain.SnapshotCapable)
	if !ok {
		return
	}
	data, err := capable.Snapshot()
	if err != nil {
		c.logger.Warn().Err(err).Str("resource", resourceType).Msg("snapshot projection")
		return
	}
	if err := c.snapshots.SetSnapshot(ctx, resourceType, data); err != nil {
		c.logger.Warn().Err(err).Str("resource", resourceType).Msg("persist snapshot")
	}
}

func (c *Client) startMetricsServer() {
	if !c.cfg.Monitoring.PrometheusEnabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	c.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Monitoring.PrometheusPort),
		Handler: mux,
	}
	go func() {
		if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

func (c *Client) applierFor(resourceType string) (domain.StateApplier, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.resources[resourceType]
	if !ok {
		return nil, fmt.Errorf("resource type %s is not registered", resourceType)
	}
	return res.applier, nil
}

// EnqueueCreate queues a create for replay and tags the optimistic item.
// tempID is the locally assigned id of the wrapped item.
func (c *Client) EnqueueCreate(ctx context.Context, resourceType, tempID string, payload json.RawMessage) (*models.QueueEntry, error) {
	applier, err := c.applierFor(resourceType)
	if err != nil {
		return nil, err
	}
	entry, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: resourceType,
		Operation:    models.OpCreate,
		TargetID:     tempID,
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	if err := applier.ApplyCreating(tempID, entry.ID); err != nil {
		c.logger.Warn().Err(err).Str("target", tempID).Msg("tag optimistic create")
	}
	c.coord.Wake()
	return entry, nil
}

// EnqueueUpdate queues an update for replay and tags the optimistic item.
func (c *Client) EnqueueUpdate(ctx context.Context, resourceType, targetID string, payload json.RawMessage) (*models.QueueEntry, error) {
	applier, err := c.applierFor(resourceType)
	if err != nil {
		return nil, err
	}
	entry, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: resourceType,
		Operation:    models.OpUpdate,
		TargetID:     targetID,
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	if err := applier.ApplyUpdating(targetID, entry.ID); err != nil {
		c.logger.Warn().Err(err).Str("target", targetID).Msg("tag optimistic update")
	}
	c.coord.Wake()
	return entry, nil
}

// EnqueueDelete queues a delete. A delete of an entity whose create never
// reached the server resolves immediately with no network call.
func (c *Client) EnqueueDelete(ctx context.Context, resourceType, targetID string) (*models.QueueEntry, error) {
	applier, err := c.applierFor(resourceType)
	if err != nil {
		return nil, err
	}
	entry, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		ResourceType: resourceType,
		Operation:    models.OpDelete,
		TargetID:     targetID,
	})
	if err != nil {
		return nil, err
	}
	if entry.Status == models.QueueCompleted {
		// Collapsed with an unsynced create; the item just disappears.
		if err := applier.ConfirmDelete(targetID); err != nil {
			c.logger.Debug().Err(err).Str("target", targetID).Msg("confirm collapsed delete")
		}
		return entry, nil
	}
	if err := applier.ApplyDeleting(targetID, entry.ID); err != nil {
		c.logger.Warn().Err(err).Str("target", targetID).Msg("tag optimistic delete")
	}
	c.coord.Wake()
	return entry, nil
}

// RetryFailed returns a terminally failed mutation to the queue with a fresh
// attempt budget and re-tags the optimistic item.
func (c *Client) RetryFailed(ctx context.Context, queueID string) error {
	entry, err := c.queue.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if err := c.queue.Retry(ctx, queueID); err != nil {
		return err
	}
	applier, err := c.applierFor(entry.ResourceType)
	if err == nil {
		switch entry.Operation {
		case models.OpCreate:
			_ = applier.ApplyCreating(entry.TargetID, entry.ID)
		case models.OpUpdate:
			_ = applier.ApplyUpdating(entry.TargetID, entry.ID)
		case models.OpDelete:
			_ = applier.ApplyDeleting(entry.TargetID, entry.ID)
		}
	}
	c.coord.Wake()
	return nil
}

// DismissFailed acknowledges a failed mutation: a failed create vanishes
// from the projection, failed updates and deletes revert to confirmed state.
// The queue entry stays failed for the audit trail.
func (c *Client) DismissFailed(ctx context.Context, queueID string) error {
	entry, err := c.queue.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if entry.Status != models.QueueFailed {
		return fmt.Errorf("mutation %s is not failed", queueID)
	}
	applier, err := c.applierFor(entry.ResourceType)
	if err != nil {
		return err
	}
	return applier.Dismiss(entry.TargetID)
}

// CancelPending withdraws a mutation that has not gone out yet and rolls the
// optimistic item back.
func (c *Client) CancelPending(ctx context.Context, queueID string) error {
	entry, err := c.queue.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if err := c.queue.Cancel(ctx, queueID); err != nil {
		return err
	}
	applier, err := c.applierFor(entry.ResourceType)
	if err == nil {
		// Route through the failed path so a cancelled create disappears and
		// a cancelled update or delete reverts.
		_ = applier.ApplyFailed(entry.TargetID, entry.ID, "cancelled")
		_ = applier.Dismiss(entry.TargetID)
	}
	return nil
}

// Drain runs one reconciliation pass right now.
func (c *Client) Drain(ctx context.Context) (reconcile.DrainStats, error) {
	return c.coord.Drain(ctx)
}

// Pending lists replayable mutations in FIFO order.
func (c *Client) Pending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return c.queue.ListPending(ctx, limit)
}

// Failed lists terminally failed mutations awaiting user action.
func (c *Client) Failed(ctx context.Context) ([]models.QueueEntry, error) {
	return c.queue.Failed(ctx)
}

// ExportFailed writes failed mutations to an xlsx report and returns its path.
func (c *Client) ExportFailed(ctx context.Context) (string, error) {
	entries, err := c.queue.Failed(ctx)
	if err != nil {
		return "", err
	}
	return c.exporter.FailedMutations(entries)
}

// Close stops background work and releases resources.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.channel != nil {
			c.channel.Disconnect()
		}
		if c.metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = c.metricsSrv.Shutdown(shutdownCtx)
		}
		if c.redisOwned && c.redis != nil {
			_ = cache.Close(c.redis)
		}
		closeErr = c.db.Close()
		c.started.Store(false)
	})
	return closeErr
}
