// Package ws owns named WebSocket connections to market-data venues:
// connect/reconnect with exponential backoff, heartbeat liveness,
// subscription replay across reconnects, and bounded queuing of
// outbound messages while disconnected.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradecore/internal/infra"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotConnected      = errors.New("ws not connected")
	ErrBadSubscription   = errors.New("subscription needs a stream and a callback")
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReadTimeout          = 60 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPongTimeout          = 10 * time.Second
	DefaultQueueCapacity        = 1000
	DefaultMaxReconnectAttempts = 10
)

// Manager owns every connection. Construct one per application and
// tune the exported knobs before creating connections.
type Manager struct {
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	QueueCapacity        int
	MaxReconnectAttempts int
	Backoff              func(attempt int) time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	// stream -> set of connection ids; cross-connection bookkeeping
	// only, delivery stays scoped to the owning connection.
	globalSubs map[string]map[string]struct{}
}

// NewManager creates a manager with default tuning.
func NewManager() *Manager {
	return &Manager{
		ConnectTimeout:       DefaultConnectTimeout,
		ReadTimeout:          DefaultReadTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		PongTimeout:          DefaultPongTimeout,
		QueueCapacity:        DefaultQueueCapacity,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Backoff:              infra.CalculateBackoff,
		conns:                make(map[string]*Connection),
		globalSubs:           make(map[string]map[string]struct{}),
	}
}

// CreateConnection registers a named connection and immediately starts
// connecting. Re-creating an existing id is idempotent-safe: the old
// connection is closed first.
func (m *Manager) CreateConnection(ctx context.Context, id, url string, opts Options) error {
	if id == "" || url == "" {
		return fmt.Errorf("connection needs an id and a url")
	}

	m.mu.Lock()
	if old, ok := m.conns[id]; ok {
		m.mu.Unlock()
		slog.Warn("WS connection id reused, closing previous", slog.String("id", id))
		old.close()
		m.mu.Lock()
	}

	conn := newConnection(m, id, url, opts)
	m.conns[id] = conn
	m.mu.Unlock()

	conn.start(ctx)
	return nil
}

func (m *Manager) connection(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return conn, nil
}

// Subscribe registers a retained subscription on a connection and, when
// connected, sends the subscribe frame immediately.
func (m *Manager) Subscribe(connID string, sub Subscription) error {
	if sub.Stream == "" || sub.Callback == nil {
		return ErrBadSubscription
	}

	conn, err := m.connection(connID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	owners, ok := m.globalSubs[sub.Stream]
	if !ok {
		owners = make(map[string]struct{})
		m.globalSubs[sub.Stream] = owners
	}
	owners[connID] = struct{}{}
	m.mu.Unlock()

	return conn.subscribe(sub)
}

// Unsubscribe drops a subscription and, when connected, sends the
// unsubscribe frame.
func (m *Manager) Unsubscribe(connID, stream string) error {
	conn, err := m.connection(connID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if owners, ok := m.globalSubs[stream]; ok {
		delete(owners, connID)
		if len(owners) == 0 {
			delete(m.globalSubs, stream)
		}
	}
	m.mu.Unlock()

	return conn.unsubscribe(stream)
}

// StreamOwners reports which connections hold a subscription for the
// stream.
func (m *Manager) StreamOwners(stream string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.globalSubs[stream]))
	for id := range m.globalSubs[stream] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send serializes message and transmits it on the connection, queuing
// while disconnected subject to the bounded queue.
func (m *Manager) Send(connID string, message any) error {
	conn, err := m.connection(connID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("serialize outbound message: %w", err)
	}
	return conn.send(data)
}

// State returns a connection's lifecycle state.
func (m *Manager) State(connID string) (State, error) {
	conn, err := m.connection(connID)
	if err != nil {
		return StateDisconnected, err
	}
	return conn.State(), nil
}

// Stats returns a snapshot of a connection's counters.
func (m *Manager) Stats(connID string) (Stats, error) {
	conn, err := m.connection(connID)
	if err != nil {
		return Stats{}, err
	}
	return conn.stats(), nil
}

// Close shuts a connection down and removes all its bookkeeping.
func (m *Manager) Close(connID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
		for stream, owners := range m.globalSubs {
			delete(owners, connID)
			if len(owners) == 0 {
				delete(m.globalSubs, stream)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	conn.close()
	slog.Info("WS connection closed", slog.String("id", connID))
	return nil
}

// CloseAll tears down every connection. Shutdown path.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.globalSubs = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
