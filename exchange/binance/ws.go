package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fundflow/config"
	ratemetrics "fundflow/internal/metrics/rate"
	"fundflow/internal/rategate"
	"fundflow/logger"
)

// ConnState is the lifecycle state of a stream client.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const writeWait = 10 * time.Second

// StreamClient maintains a self-healing connection to the combined stream
// endpoint. Subscriptions survive reconnects: the registry is the source of
// truth and is replayed after every successful redial.
type StreamClient struct {
	cfg        config.WebsocketConfig
	dispatcher *Dispatcher
	registry   *registry
	subGate    *rategate.Gate
	tracker    *ratemetrics.WSWeightTracker
	log        *logger.Log

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ConnState
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	writeMu sync.Mutex
	nextID  atomic.Int64

	// intentional marks a Disconnect requested by the caller so read
	// failures during teardown do not trigger a reconnect.
	intentional atomic.Bool
	// reconnecting is a single-flight guard: both loops can observe the
	// same failure, only one reconnect may run.
	reconnecting atomic.Bool
	lastPong     atomic.Int64

	// OnConnected fires after every successful connect, including redials.
	// OnDisconnected fires with the cause when the connection is lost and
	// with nil on an intentional Disconnect. Both run on client goroutines
	// and must not block.
	OnConnected    func()
	OnDisconnected func(err error)
}

// NewStreamClient builds a stream client. Register handlers on the
// dispatcher before calling Connect.
func NewStreamClient(cfg config.WebsocketConfig, dispatcher *Dispatcher, log *logger.Log) *StreamClient {
	return &StreamClient{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   newRegistry(),
		subGate:    rategate.New(cfg.RateLimit.SubscriptionsPerSecond),
		tracker:    ratemetrics.NewWSWeightTracker(),
		log:        log,
	}
}

// State returns the current connection state.
func (c *StreamClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the channels the client currently maintains.
func (c *StreamClient) Subscriptions() []string {
	return c.registry.snapshot()
}

// Connect establishes the stream connection, starts the read and heartbeat
// loops, and replays any channels kept across a previous Disconnect. The
// ctx bounds the handshake only.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("stream client is %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}

	c.intentional.Store(false)
	c.startLoops(conn)

	c.log.WithComponent("binance_stream").WithFields(logger.Fields{
		"url": c.cfg.URL,
	}).Info("stream connected")
	if c.OnConnected != nil {
		c.OnConnected()
	}

	if pending := c.registry.snapshot(); len(pending) > 0 {
		if err := c.subGate.Acquire(ctx); err != nil {
			return err
		}
		if err := c.sendCommand("SUBSCRIBE", pending); err != nil {
			return fmt.Errorf("failed to establish pending subscriptions: %w", err)
		}
	}
	return nil
}

func (c *StreamClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	c.tracker.RegisterConnectionAttempt()
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// startLoops installs the connection and spawns the read and heartbeat
// goroutines under a fresh cancelable context.
func (c *StreamClient) startLoops(conn *websocket.Conn) {
	loopCtx, cancel := context.WithCancel(context.Background())

	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.loopCancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx, conn)
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.intentional.Load() {
				return
			}
			c.log.WithComponent("binance_stream").WithError(err).Warn("read failed")
			c.scheduleReconnect(err)
			return
		}
		c.handleMessage(raw)
	}
}

func (c *StreamClient) handleMessage(raw []byte) {
	var peek struct {
		Stream string `json:"stream"`
		ID     *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		logger.IncrementStreamDrop()
		c.log.WithComponent("binance_stream").WithError(err).Debug("dropping malformed frame")
		return
	}

	if peek.Stream == "" {
		if peek.ID != nil {
			c.handleAck(raw)
		} else {
			logger.IncrementStreamDrop()
		}
		return
	}

	ev, err := ParseStreamEvent(raw)
	if err != nil {
		logger.IncrementStreamDrop()
		c.log.WithComponent("binance_stream").WithError(err).Debug("dropping unparsable frame")
		return
	}
	logger.IncrementStreamEvent(ev.Channel, len(raw))

	delivered := c.dispatcher.Dispatch(*ev)
	if cb := c.registry.callbackFor(ev.Channel); cb != nil {
		c.invokeCallback(cb, *ev)
		delivered = true
	}
	if !delivered {
		logger.IncrementStreamDrop()
	}
}

// invokeCallback runs a channel callback with the same isolation dispatch
// gives handlers, so one misbehaving callback cannot kill the read loop.
func (c *StreamClient) invokeCallback(cb MessageCallback, ev StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithComponent("binance_stream").WithFields(logger.Fields{
				"channel": ev.Channel,
			}).Warn(fmt.Sprintf("channel callback panicked: %v", r))
		}
	}()
	cb(ev)
}

func (c *StreamClient) handleAck(raw []byte) {
	var ack wsAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		c.log.WithComponent("binance_stream").WithError(err).Debug("dropping malformed ack")
		return
	}
	if ack.Error != nil {
		c.log.WithComponent("binance_stream").WithFields(logger.Fields{
			"id":   ack.ID,
			"code": ack.Error.Code,
		}).Warn(ack.Error.Message)
		return
	}
	c.log.WithComponent("binance_stream").WithFields(logger.Fields{"id": ack.ID}).Debug("command acknowledged")
}

// heartbeatLoop sends a ping every PingInterval and requires a pong within
// PongTimeout of each ping. A missed pong declares the connection stale and
// triggers exactly one reconnect; the loop stops after triggering it.
func (c *StreamClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	wait := c.cfg.PingInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			if ctx.Err() != nil || c.intentional.Load() {
				return
			}
			c.log.WithComponent("binance_stream").WithError(err).Warn("ping failed")
			c.scheduleReconnect(err)
			return
		}
		c.tracker.RegisterOutgoing(1)
		pingAt := time.Now()

		timer.Reset(c.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if time.Unix(0, c.lastPong.Load()).Before(pingAt) {
			c.log.WithComponent("binance_stream").WithFields(logger.Fields{
				"pong_timeout": c.cfg.PongTimeout.Seconds(),
			}).Warn("pong timeout, connection stale")
			c.scheduleReconnect(fmt.Errorf("no pong within %s", c.cfg.PongTimeout))
			return
		}

		if wait = c.cfg.PingInterval - c.cfg.PongTimeout; wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// scheduleReconnect starts the reconnect procedure once. Callers return
// immediately; the procedure runs on its own goroutine so it can join the
// loops.
func (c *StreamClient) scheduleReconnect(cause error) {
	if c.intentional.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go c.reconnectLoop(cause)
}

func (c *StreamClient) reconnectLoop(cause error) {
	defer c.reconnecting.Store(false)

	log := c.log.WithComponent("binance_stream")

	c.mu.Lock()
	c.state = StateReconnecting
	cancel := c.loopCancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	if c.OnDisconnected != nil {
		c.OnDisconnected(cause)
	}

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if c.intentional.Load() {
			c.setDisconnected()
			return
		}

		log.WithFields(logger.Fields{
			"attempt":      attempt,
			"max_attempts": c.cfg.MaxReconnectAttempts,
		}).Info("reconnecting")
		logger.IncrementReconnect()

		ctx, cancelDial := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		newConn, err := c.dial(ctx)
		cancelDial()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
			time.Sleep(c.cfg.ReconnectInterval)
			continue
		}

		c.startLoops(newConn)
		log.WithFields(logger.Fields{"attempt": attempt}).Info("stream reconnected")
		if c.OnConnected != nil {
			c.OnConnected()
		}
		if err := c.resubscribeAll(); err != nil {
			log.WithError(err).Error("failed to restore subscriptions")
		}
		return
	}

	c.setDisconnected()
	log.WithFields(logger.Fields{
		"attempts": c.cfg.MaxReconnectAttempts,
	}).Error("giving up on reconnect")
}

func (c *StreamClient) setDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()
}

// resubscribeAll replays the registered channels on a fresh connection. The
// registry is drained and rebuilt from the captured set, callbacks intact,
// so the server side equals the client's last known intent.
func (c *StreamClient) resubscribeAll() error {
	entries := c.registry.drain()
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.subGate.Acquire(ctx); err != nil {
		return err
	}
	return c.sendCommand("SUBSCRIBE", c.registry.merge(entries))
}

// Subscribe binds cb to a channel and establishes it on the live connection.
// A nil callback leaves delivery to the dispatcher handlers alone.
func (c *StreamClient) Subscribe(ctx context.Context, channel string, cb MessageCallback) error {
	return c.SubscribeBatch(ctx, []string{channel}, cb)
}

// SubscribeBatch binds cb to every channel and establishes them with one
// command frame. The call fails with no side effect when the connection is
// not open or the admission gate denies it. Channels that are already
// registered are not re-sent; cb replaces their callback.
func (c *StreamClient) SubscribeBatch(ctx context.Context, channels []string, cb MessageCallback) error {
	for _, ch := range channels {
		if err := validateChannel(ch); err != nil {
			return err
		}
	}
	if c.State() != StateConnected {
		return fmt.Errorf("cannot subscribe: not connected")
	}
	if err := c.subGate.Acquire(ctx); err != nil {
		return err
	}

	added := c.registry.add(cb, channels...)
	if len(added) == 0 {
		return nil
	}
	return c.sendCommand("SUBSCRIBE", added)
}

// Unsubscribe drops channels from the registry and the live connection. The
// local record goes away even when the send cannot happen, since the caller
// wants no further events either way.
func (c *StreamClient) Unsubscribe(ctx context.Context, channels ...string) error {
	removed := c.registry.remove(channels...)
	if c.State() != StateConnected {
		return fmt.Errorf("cannot unsubscribe: not connected")
	}
	if len(removed) == 0 {
		return nil
	}
	if err := c.subGate.Acquire(ctx); err != nil {
		return err
	}
	return c.sendCommand("UNSUBSCRIBE", removed)
}

func (c *StreamClient) sendCommand(method string, params []string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("stream is not connected")
	}

	cmd := wsCommand{Method: method, Params: params, ID: c.nextID.Add(1)}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.tracker.RegisterOutgoing(1)

	c.log.WithComponent("binance_stream").WithFields(logger.Fields{
		"method":   method,
		"channels": len(params),
		"id":       cmd.ID,
	}).Debug("command sent")
	return nil
}

// Disconnect closes the connection and joins the loops. Registered channels
// are kept so a later Connect restores them.
func (c *StreamClient) Disconnect() {
	c.intentional.Store(true)

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	cancel := c.loopCancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.setDisconnected()

	c.log.WithComponent("binance_stream").Info("stream disconnected")
	if c.OnDisconnected != nil {
		c.OnDisconnected(nil)
	}
}

// ReportWeight emits the websocket weight telemetry snapshot.
func (c *StreamClient) ReportWeight() {
	ratemetrics.ReportWSWeight(c.log, c.tracker)
}
