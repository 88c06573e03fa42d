package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the per-connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Options tune a single connection.
type Options struct {
	Compression   bool
	AutoReconnect bool
}

// Subscription is a retained stream subscription. It survives
// disconnects and is replayed on every successful (re)connect.
type Subscription struct {
	Stream   string
	Symbol   string
	Interval string
	Depth    int
	Callback func(message []byte)
}

// matches reports whether an inbound frame's stream identifier belongs
// to this subscription: equality or substring on stream, then symbol.
func (s Subscription) matches(streamID string) bool {
	if streamID == "" {
		return false
	}
	if s.Stream == streamID || strings.Contains(streamID, s.Stream) {
		return true
	}
	return s.Symbol != "" && strings.Contains(streamID, s.Symbol)
}

// wireRequest is the venue subscribe/unsubscribe frame.
type wireRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

// Connection manages the lifecycle of one venue endpoint: dialing,
// heartbeats, reconnect backoff, subscription replay, and queued sends.
// Exclusively owned by the Manager.
type Connection struct {
	id   string
	url  string
	opts Options
	mgr  *Manager

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State
	subs  map[string]Subscription
	queue [][]byte

	reconnectAttempts int
	reconnectDelay    time.Duration
	lastPing          time.Time
	latencyMs         float64

	pongCh chan int64

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	msgsIn   atomic.Int64
	msgsOut  atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	dropped  atomic.Int64
	reqID    atomic.Uint64
}

func newConnection(mgr *Manager, id, url string, opts Options) *Connection {
	return &Connection{
		id:     id,
		url:    url,
		opts:   opts,
		mgr:    mgr,
		state:  StateDisconnected,
		subs:   make(map[string]Subscription),
		pongCh: make(chan int64, 1),
	}
}

func (c *Connection) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.runLoop(ctx)
}

// close tears the connection down for good: timers cancelled, transport
// closed, no reconnect. The only path that suppresses auto-reconnect.
func (c *Connection) close() {
	c.closed.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.closeTransport()
	c.wg.Wait()
	c.setState(StateDisconnected)
}

func (c *Connection) runLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)

		if err := c.connect(ctx); err != nil {
			if c.closed.Load() {
				return
			}

			c.mu.Lock()
			c.reconnectAttempts++
			attempts := c.reconnectAttempts
			delay := c.mgr.Backoff(attempts - 1)
			c.reconnectDelay = delay
			c.mu.Unlock()

			slog.Warn("WS connect failed",
				slog.String("id", c.id),
				slog.Int("attempt", attempts),
				slog.Any("err", err))

			if attempts >= c.mgr.MaxReconnectAttempts {
				// Terminal give-up state. External intervention only.
				c.setState(StateError)
				slog.Error("WS reconnect attempts exhausted",
					slog.String("id", c.id),
					slog.Int("attempts", attempts))
				return
			}

			// Between attempts the connection sits disconnected; it
			// only goes back to CONNECTING when the next dial starts.
			c.setState(StateDisconnected)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		c.mu.Lock()
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.setState(StateConnected)
		slog.Info("WS connected", slog.String("id", c.id))

		c.replaySubscriptions()
		c.flushQueue()

		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		c.wg.Add(1)
		go c.heartbeatLoop(hbCtx)

		c.readLoop()
		stopHeartbeat()

		if c.closed.Load() {
			return
		}

		c.setState(StateDisconnected)

		if !c.opts.AutoReconnect {
			slog.Info("WS disconnected, auto-reconnect disabled", slog.String("id", c.id))
			return
		}

		// Reconnect schedule for a dropped connection; the attempt
		// counter was reset on the last successful connect.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.mgr.Backoff(0)):
		}
	}
}

func (c *Connection) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  c.mgr.ConnectTimeout,
		EnableCompression: c.opts.Compression,
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.mgr.ConnectTimeout)
	defer cancelDial()

	conn, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Connection) readLoop() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.mgr.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				slog.Warn("WS read error", slog.String("id", c.id), slog.Any("err", err))
			}
			c.closeTransport()
			return
		}

		c.msgsIn.Add(1)
		c.bytesIn.Add(int64(len(msg)))
		c.dispatch(msg)
	}
}

// dispatch handles control frames and routes data frames to every
// matching subscription on this connection.
func (c *Connection) dispatch(msg []byte) {
	var probe struct {
		Ping   *int64 `json:"ping"`
		Pong   *int64 `json:"pong"`
		Stream string `json:"stream"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		slog.Warn("WS malformed frame dropped",
			slog.String("id", c.id),
			slog.String("payload", truncate(msg, 256)))
		return
	}

	if probe.Ping != nil {
		if err := c.writeJSON(map[string]int64{"pong": *probe.Ping}); err != nil {
			slog.Warn("WS pong reply failed", slog.String("id", c.id), slog.Any("err", err))
		}
		return
	}
	if probe.Pong != nil {
		select {
		case c.pongCh <- *probe.Pong:
		default:
		}
		return
	}

	streamID := probe.Stream
	if streamID == "" {
		streamID = probe.Symbol
	}

	c.mu.RLock()
	matched := make([]Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.matches(streamID) {
			matched = append(matched, sub)
		}
	}
	c.mu.RUnlock()

	for _, sub := range matched {
		c.invoke(sub, msg)
	}
}

// invoke isolates one subscriber: a panicking callback is logged and
// must not break delivery to the others or the read loop.
func (c *Connection) invoke(sub Subscription, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("WS subscriber callback panicked",
				slog.String("id", c.id),
				slog.String("stream", sub.Stream),
				slog.Any("panic", r))
		}
	}()
	sub.Callback(msg)
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.mgr.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A pong left over from the previous cycle must not
			// satisfy this cycle's wait.
			select {
			case <-c.pongCh:
			default:
			}

			sent := time.Now()
			if err := c.writeJSON(map[string]int64{"ping": sent.UnixMilli()}); err != nil {
				slog.Warn("WS ping failed", slog.String("id", c.id), slog.Any("err", err))
				c.closeTransport()
				return
			}

			c.mu.Lock()
			c.lastPing = sent
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case ts := <-c.pongCh:
				if ts == sent.UnixMilli() {
					c.recordLatency(time.Since(sent))
				}
			case <-time.After(c.mgr.PongTimeout):
				slog.Warn("WS pong timeout, forcing close", slog.String("id", c.id))
				c.closeTransport()
				return
			}
		}
	}
}

// latencyAlpha smooths the ping round-trip metric.
const latencyAlpha = 0.2

func (c *Connection) recordLatency(rtt time.Duration) {
	ms := float64(rtt.Microseconds()) / 1000.0

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latencyMs == 0 {
		c.latencyMs = ms
		return
	}
	c.latencyMs = latencyAlpha*ms + (1-latencyAlpha)*c.latencyMs
}

// replaySubscriptions re-sends the retained subscription set so that a
// reconnect is transparent to subscribers.
func (c *Connection) replaySubscriptions() {
	c.mu.RLock()
	streams := make([]string, 0, len(c.subs))
	for key := range c.subs {
		streams = append(streams, key)
	}
	c.mu.RUnlock()

	if len(streams) == 0 {
		return
	}
	sort.Strings(streams)

	req := wireRequest{Method: "SUBSCRIBE", Params: streams, ID: c.reqID.Add(1)}
	if err := c.writeJSON(req); err != nil {
		slog.Warn("WS subscription replay failed", slog.String("id", c.id), slog.Any("err", err))
		return
	}
	slog.Info("WS subscriptions replayed",
		slog.String("id", c.id),
		slog.Int("count", len(streams)))
}

func (c *Connection) subscribe(sub Subscription) error {
	c.mu.Lock()
	c.subs[sub.Stream] = sub
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeJSON(wireRequest{Method: "SUBSCRIBE", Params: []string{sub.Stream}, ID: c.reqID.Add(1)})
}

func (c *Connection) unsubscribe(stream string) error {
	c.mu.Lock()
	_, ok := c.subs[stream]
	delete(c.subs, stream)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return c.writeJSON(wireRequest{Method: "UNSUBSCRIBE", Params: []string{stream}, ID: c.reqID.Add(1)})
}

// send transmits immediately when connected, otherwise queues up to the
// bounded capacity. Excess while disconnected is dropped, not grown.
// A write that fails mid-drop falls back to the queue.
func (c *Connection) send(data []byte) error {
	c.mu.RLock()
	connected := c.state == StateConnected && c.conn != nil
	c.mu.RUnlock()

	if connected {
		if err := c.writeRaw(data); err == nil {
			return nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.mgr.QueueCapacity {
		c.dropped.Add(1)
		slog.Warn("WS send dropped, queue full", slog.String("id", c.id))
		return nil
	}
	c.queue = append(c.queue, data)
	return nil
}

// flushQueue drains messages queued while disconnected, in order.
func (c *Connection) flushQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	for i, data := range pending {
		if err := c.writeRaw(data); err != nil {
			slog.Warn("WS queue flush interrupted",
				slog.String("id", c.id),
				slog.Int("flushed", i),
				slog.Any("err", err))
			return
		}
	}
	slog.Info("WS queued messages flushed",
		slog.String("id", c.id),
		slog.Int("count", len(pending)))
}

func (c *Connection) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *Connection) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.msgsOut.Add(1)
	c.bytesOut.Add(int64(len(data)))
	return nil
}

func (c *Connection) closeTransport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		slog.Debug("WS state change",
			slog.String("id", c.id),
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats is an immutable snapshot of one connection's counters.
type Stats struct {
	ID                string
	URL               string
	State             State
	Subscriptions     int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	LastPing          time.Time
	LatencyMs         float64
	MessagesIn        int64
	MessagesOut       int64
	BytesIn           int64
	BytesOut          int64
	DroppedSends      int64
	QueueDepth        int
}

func (c *Connection) stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		ID:                c.id,
		URL:               c.url,
		State:             c.state,
		Subscriptions:     len(c.subs),
		ReconnectAttempts: c.reconnectAttempts,
		ReconnectDelay:    c.reconnectDelay,
		LastPing:          c.lastPing,
		LatencyMs:         c.latencyMs,
		MessagesIn:        c.msgsIn.Load(),
		MessagesOut:       c.msgsOut.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		DroppedSends:      c.dropped.Load(),
		QueueDepth:        len(c.queue),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
