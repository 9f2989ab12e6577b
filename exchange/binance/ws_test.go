package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

// wsServer is an in-process stream endpoint. It acknowledges commands,
// records them per connection and lets tests kill connections, refuse
// redials or swallow pings.
type wsServer struct {
	t            *testing.T
	srv          *httptest.Server
	upgrader     websocket.Upgrader
	reject       atomic.Bool
	swallowPings atomic.Bool

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands map[int][]wsCommand
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, commands: make(map[int][]wsCommand)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		http.Error(w, "go away", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.swallowPings.Load() {
		conn.SetPingHandler(func(string) error { return nil })
	}

	s.mu.Lock()
	id := len(s.conns)
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.mu.Lock()
		s.commands[id] = append(s.commands[id], cmd)
		s.mu.Unlock()
		conn.WriteJSON(map[string]interface{}{"result": nil, "id": cmd.ID})
	}
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) commandsFor(conn int) []wsCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wsCommand, len(s.commands[conn]))
	copy(out, s.commands[conn])
	return out
}

// dropConn closes a connection from the server side.
func (s *wsServer) dropConn(conn int) {
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	c.Close()
}

// push sends a raw text frame to a connection.
func (s *wsServer) push(conn int, frame string) {
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		s.t.Logf("push failed: %v", err)
	}
}

func testWSConfig(url string) config.WebsocketConfig {
	return config.WebsocketConfig{
		URL:                  url,
		ConnectTimeout:       time.Second,
		PingInterval:         time.Second,
		PongTimeout:          500 * time.Millisecond,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    10 * time.Millisecond,
		RateLimit:            config.WSRateLimit{SubscriptionsPerSecond: 100},
	}
}

func newTestStream(t *testing.T, s *wsServer) *StreamClient {
	t.Helper()
	c := NewStreamClient(testWSConfig(s.url()), NewDispatcher(logger.GetLogger()), logger.GetLogger())
	t.Cleanup(c.Disconnect)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func TestStreamConnectAndSubscribe(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}

	if err := c.SubscribeBatch(context.Background(), []string{"btcusdt@markPrice", "ethusdt@markPrice"}, nil); err != nil {
		t.Fatalf("SubscribeBatch: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(s.commandsFor(0)) == 1 }, "subscribe frame")
	cmd := s.commandsFor(0)[0]
	if cmd.Method != "SUBSCRIBE" || len(cmd.Params) != 2 {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	// Re-subscribing an existing channel must not produce another frame.
	if err := c.Subscribe(context.Background(), "btcusdt@markPrice", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(s.commandsFor(0)); got != 1 {
		t.Fatalf("duplicate subscribe sent, frames = %d", got)
	}

	subs := c.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %v", subs)
	}
}

func TestStreamSubscribeRequiresConnection(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Subscribe(context.Background(), "btcusdt@bookTicker", nil); err == nil {
		t.Fatalf("subscribe while disconnected must fail")
	}
	if subs := c.Subscriptions(); len(subs) != 0 {
		t.Fatalf("rejected subscribe must leave no record: %v", subs)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(s.commandsFor(0)); got != 0 {
		t.Fatalf("rejected subscribe must not be replayed, frames = %d", got)
	}
}

func TestStreamSubscriptionsSurviveDisconnect(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe(context.Background(), "btcusdt@bookTicker", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(s.commandsFor(1)) == 1 }, "subscription replay")
	cmd := s.commandsFor(1)[0]
	if cmd.Method != "SUBSCRIBE" || len(cmd.Params) != 1 || cmd.Params[0] != "btcusdt@bookTicker" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestStreamSubscribeRejectsInvalidChannel(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)
	if err := c.Subscribe(context.Background(), "not-a-channel", nil); err == nil {
		t.Fatalf("invalid channel must be rejected")
	}
}

func TestStreamResubscribesAfterDrop(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	var connects, disconnects atomic.Int32
	c.OnConnected = func() { connects.Add(1) }
	c.OnDisconnected = func(err error) {
		if err != nil {
			disconnects.Add(1)
		}
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SubscribeBatch(context.Background(), []string{"btcusdt@markPrice", "ethusdt@bookTicker"}, nil); err != nil {
		t.Fatalf("SubscribeBatch: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(s.commandsFor(0)) == 1 }, "initial subscribe")

	s.dropConn(0)

	waitFor(t, 2*time.Second, func() bool { return s.connCount() == 2 }, "redial")
	waitFor(t, 2*time.Second, func() bool { return len(s.commandsFor(1)) == 1 }, "resubscribe")

	cmd := s.commandsFor(1)[0]
	if cmd.Method != "SUBSCRIBE" || len(cmd.Params) != 2 {
		t.Fatalf("resubscribe must carry both channels in one frame: %+v", cmd)
	}
	waitFor(t, time.Second, func() bool { return c.State() == StateConnected }, "reconnected state")
	if connects.Load() != 2 {
		t.Fatalf("connects = %d", connects.Load())
	}
	if disconnects.Load() != 1 {
		t.Fatalf("disconnects = %d", disconnects.Load())
	}
	if subs := c.Subscriptions(); len(subs) != 2 {
		t.Fatalf("registry lost channels: %v", subs)
	}
}

func TestStreamDisconnectIsFinal(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()

	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
	time.Sleep(100 * time.Millisecond)
	if s.connCount() != 1 {
		t.Fatalf("intentional disconnect must not redial, conns = %d", s.connCount())
	}
}

func TestStreamReconnectGivesUp(t *testing.T) {
	s := newWSServer(t)
	cfg := testWSConfig(s.url())
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := NewStreamClient(cfg, NewDispatcher(logger.GetLogger()), logger.GetLogger())
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.reject.Store(true)
	s.dropConn(0)

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateDisconnected }, "give up")
	if s.connCount() != 1 {
		t.Fatalf("refused upgrades must not register connections, conns = %d", s.connCount())
	}
}

func TestStreamHeartbeatTimeoutTriggersSingleReconnect(t *testing.T) {
	s := newWSServer(t)
	s.swallowPings.Store(true)

	cfg := testWSConfig(s.url())
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	c := NewStreamClient(cfg, NewDispatcher(logger.GetLogger()), logger.GetLogger())
	t.Cleanup(c.Disconnect)

	var drops atomic.Int32
	c.OnDisconnected = func(err error) {
		if err != nil {
			drops.Add(1)
			// Let the redialed connection answer pings again.
			s.swallowPings.Store(false)
		}
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return s.connCount() == 2 }, "heartbeat redial")
	waitFor(t, time.Second, func() bool { return c.State() == StateConnected }, "reconnected state")

	// The dead connection must cost one reconnect, not one per ping cycle.
	time.Sleep(300 * time.Millisecond)
	if got := s.connCount(); got != 2 {
		t.Fatalf("conns = %d, want a single redial", got)
	}
	if got := drops.Load(); got != 1 {
		t.Fatalf("disconnect callbacks = %d", got)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	s := newWSServer(t)

	dispatcher := NewDispatcher(logger.GetLogger())
	var mu sync.Mutex
	var marks []models.MarkPriceUpdate
	dispatcher.Register(&MarketDataHandler{
		OnMarkPrice: func(u models.MarkPriceUpdate) {
			mu.Lock()
			marks = append(marks, u)
			mu.Unlock()
		},
	})

	c := NewStreamClient(testWSConfig(s.url()), dispatcher, logger.GetLogger())
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A malformed frame must not kill the read loop.
	s.push(0, `{not json`)
	s.push(0, `{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"21500.10","i":"21500","r":"0.0001","T":2}}`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(marks) == 1
	}, "event delivery")

	mu.Lock()
	defer mu.Unlock()
	if marks[0].Symbol != "BTCUSDT" || marks[0].MarkPrice != 21500.10 {
		t.Fatalf("unexpected update: %+v", marks[0])
	}
}

func TestStreamDeliversToChannelCallback(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var got []StreamEvent
	err := c.Subscribe(context.Background(), "btcusdt@markPrice", func(ev StreamEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(s.commandsFor(0)) == 1 }, "subscribe frame")

	// Other channels must not reach the callback.
	s.push(0, `{"stream":"ethusdt@markPrice","data":{"e":"markPriceUpdate","E":1,"s":"ETHUSDT","p":"1650","i":"1650","r":"0.0001","T":2}}`)
	s.push(0, `{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","E":7,"s":"BTCUSDT","p":"21500.10","i":"21500","r":"0.0001","T":8}}`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "callback delivery")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Channel != "btcusdt@markPrice" || got[0].Time != 7 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestStreamCallbackPanicDoesNotKillReadLoop(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls atomic.Int32
	err := c.Subscribe(context.Background(), "btcusdt@markPrice", func(ev StreamEvent) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(s.commandsFor(0)) == 1 }, "subscribe frame")

	frame := `{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"21500.10","i":"21500","r":"0.0001","T":2}}`
	s.push(0, frame)
	s.push(0, frame)

	waitFor(t, time.Second, func() bool { return calls.Load() == 2 }, "delivery after panic")
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestStreamUnsubscribe(t *testing.T) {
	s := newWSServer(t)
	c := newTestStream(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SubscribeBatch(context.Background(), []string{"btcusdt@markPrice", "ethusdt@markPrice"}, nil); err != nil {
		t.Fatalf("SubscribeBatch: %v", err)
	}
	if err := c.Unsubscribe(context.Background(), "btcusdt@markPrice", "solusdt@markPrice"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(s.commandsFor(0)) == 2 }, "unsubscribe frame")
	cmd := s.commandsFor(0)[1]
	if cmd.Method != "UNSUBSCRIBE" || len(cmd.Params) != 1 || cmd.Params[0] != "btcusdt@markPrice" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if subs := c.Subscriptions(); len(subs) != 1 || subs[0] != "ethusdt@markPrice" {
		t.Fatalf("subscriptions = %v", subs)
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName("BTCUSDT", "markPrice"); got != "btcusdt@markPrice" {
		t.Fatalf("channel = %s", got)
	}
}
