package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ordersync/internal/events"
	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/queue"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of the realtime channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateDegraded is terminal. The channel gives up after exhausting its
	// reconnect budget and stays down until Connect is called again.
	StateDegraded State = "degraded"
)

// ErrNotConnected is returned by Emit when the socket is down.
var ErrNotConnected = errors.New("realtime channel is not connected")

// AuthContext identifies the connecting actor to the realtime gateway. It is
// sent in a register frame right after the handshake.
type AuthContext struct {
	Role    string `json:"role"`
	Subject string `json:"subject"`
	Token   string `json:"-"`
}

// Handler consumes drained updates for one event family.
type Handler func(update models.SocketUpdate, resourceKey string)

// Options configures a Channel.
type Options struct {
	URL            string
	Auth           AuthContext
	Heartbeat      time.Duration
	DrainInterval  time.Duration
	BatchThreshold int
	Reconnect      queue.RetryPolicy
	Priorities     map[string]models.Priority
	Dialer         Dialer
	Bus            *events.EventBus
	Logger         *zerolog.Logger
}

// frame is the wire envelope in both directions.
type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel maintains the websocket to the ordering backend and feeds received
// events through a throttled drain so update storms cannot saturate the
// consumer. Incoming events are classified by priority, coalesced per entity,
// and delivered in batches.
type Channel struct {
	opts       Options
	logger     *zerolog.Logger
	bus        *events.EventBus
	buffer     *updateBuffer
	wake       chan struct{}
	priorities map[string]models.Priority

	connMu  sync.RWMutex
	conn    Conn
	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	closing atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a disconnected Channel.
func New(opts Options) *Channel {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 250 * time.Millisecond
	}
	if opts.BatchThreshold <= 0 {
		opts.BatchThreshold = 50
	}
	if opts.Reconnect.MaxRetries <= 0 {
		opts.Reconnect.MaxRetries = 8
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect.InitialDelay = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	priorities := make(map[string]models.Priority, len(defaultPriorities)+len(opts.Priorities))
	for eventType, p := range defaultPriorities {
		priorities[eventType] = p
	}
	for eventType, p := range opts.Priorities {
		priorities[eventType] = p
	}

	return &Channel{
		opts:       opts,
		logger:     opts.Logger,
		bus:        opts.Bus,
		buffer:     newUpdateBuffer(),
		wake:       make(chan struct{}, 1),
		priorities: priorities,
		state:      StateDisconnected,
		handlers:   make(map[string][]Handler),
	}
}

// On registers a handler for an event family ("order", "menu", "courier").
func (c *Channel) On(family string, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[family] = append(c.handlers[family], handler)
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Channel) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// Connect dials the gateway, registers, and starts the read, heartbeat and
// drain loops. It also restarts a channel that went degraded.
func (c *Channel) Connect(ctx context.Context) error {
	// After a degraded run the heartbeat and drain loops are still parked
	// on the old context. Stop them before starting a new set, otherwise
	// Disconnect would wait on loops nobody can cancel anymore.
	if c.cancel != nil {
		c.cancel()
		c.closeConn()
		c.wg.Wait()
		c.cancel = nil
	}

	c.closing.Store(false)
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setConn(conn)
	c.setState(StateConnected)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(3)
	go c.readLoop(runCtx)
	go c.heartbeatLoop(runCtx)
	go c.drainLoop(runCtx)

	c.logger.Info().Str("url", c.opts.URL).Msg("realtime channel connected")
	return nil
}

// Disconnect closes the socket and stops all loops. Buffered updates are
// delivered before the drain loop exits.
func (c *Channel) Disconnect() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
	c.setState(StateDisconnected)
	c.logger.Info().Msg("realtime channel disconnected")
}

// Emit sends an event frame to the gateway.
func (c *Channel) Emit(eventType string, payload interface{}) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = raw
	}
	return c.writeFrame(frame{Type: eventType, Data: data, Timestamp: time.Now()})
}

func (c *Channel) dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.opts.Auth.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Auth.Token)
	}

	conn, err := c.opts.Dialer(ctx, c.opts.URL, header)
	if err != nil {
		return nil, err
	}

	auth, err := json.Marshal(c.opts.Auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	register, err := json.Marshal(frame{Type: "register", Data: auth, Timestamp: time.Now()})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, register); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("realtime read failed, reconnecting")
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Channel) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable realtime frame")
		return
	}
	if f.Type == "" || f.Type == "pong" {
		return
	}

	update := models.SocketUpdate{
		Type:      f.Type,
		Data:      f.Data,
		Timestamp: f.Timestamp,
		Priority:  c.classify(f.Type),
	}
	metrics.IncSocketEvent(update.Priority.String())

	waiting := c.buffer.push(update, resourceKey(f.Data))

	// High-priority events and a full buffer skip the wait for the ticker.
	if update.Priority == models.PriorityHigh || waiting >= c.opts.BatchThreshold {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// reconnect retries with exponential backoff. Exhausting the budget parks
// the channel in StateDegraded and notifies the bus so the rest of the app
// can switch to pull-based refresh.
func (c *Channel) reconnect(ctx context.Context) bool {
	c.setState(StateReconnecting)
	c.closeConn()

	for attempt := 1; attempt <= c.opts.Reconnect.MaxRetries; attempt++ {
		delay := c.opts.Reconnect.NextDelay(attempt)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		metrics.IncReconnect()
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("realtime reconnect failed")
			continue
		}

		c.setConn(conn)
		c.setState(StateConnected)
		c.logger.Info().Int("attempt", attempt).Msg("realtime channel restored")
		if c.bus != nil {
			_ = c.bus.PublishJSON(events.EventChannelResumed, events.ChannelEventPayload{
				State:    string(StateConnected),
				Attempts: attempt,
			})
		}
		return true
	}

	c.setState(StateDegraded)
	c.logger.Error().Int("attempts", c.opts.Reconnect.MaxRetries).Msg("realtime channel degraded")
	if c.bus != nil {
		_ = c.bus.PublishJSON(events.EventChannelDegraded, events.ChannelEventPayload{
			State:    string(StateDegraded),
			Attempts: c.opts.Reconnect.MaxRetries,
			Reason:   "reconnect attempts exhausted",
		})
	}
	return false
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			if err := c.writeFrame(frame{Type: "ping", Timestamp: time.Now()}); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

func (c *Channel) writeFrame(f frame) error {
	conn := c.currentConn()
	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Channel) currentConn() Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Channel) setConn(conn Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Channel) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}
