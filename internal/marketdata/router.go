// Package marketdata normalizes venue wire frames into canonical
// ticker/book/trade events and fans them out to per-symbol subscribers.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// subscriber key "" receives every symbol.
const allSymbols = ""

// Router consumes raw frames from a connection, parses them, and
// dispatches normalized events through a single-goroutine loop so
// subscribers observe updates in arrival order.
type Router struct {
	venue string
	inbox chan Event

	mu     sync.RWMutex
	subs   map[string]map[uint64]func(Event)
	nextID atomic.Uint64

	parsed    atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router for one venue feed. inboxSize bounds the
// dispatch queue; events beyond it are dropped, not buffered without
// limit.
func NewRouter(venue string, inboxSize int) *Router {
	return &Router{
		venue: venue,
		inbox: make(chan Event, inboxSize),
		subs:  make(map[string]map[uint64]func(Event)),
	}
}

// HandleFrame ingests one raw venue frame. Malformed frames are dropped
// with a truncated diagnostic. Safe to hand directly to a ws
// subscription callback.
func (r *Router) HandleFrame(raw []byte) {
	r.handle(raw, "")
}

// HandlerFor returns a frame handler that applies a symbol hint for
// frames that do not carry their own symbol (e.g. depth snapshots).
func (r *Router) HandlerFor(symbol string) func([]byte) {
	return func(raw []byte) {
		r.handle(raw, symbol)
	}
}

func (r *Router) handle(raw []byte, symbolHint string) {
	ev, err := ParseFrame(r.venue, raw, symbolHint)
	if err != nil {
		r.malformed.Add(1)
		slog.Warn("Market frame dropped",
			slog.String("venue", r.venue),
			slog.Any("err", err),
			slog.String("payload", truncate(raw, 256)))
		return
	}

	r.parsed.Add(1)
	select {
	case r.inbox <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Subscribe registers a callback for one symbol's events. An empty
// symbol subscribes to every symbol. Returns a token for Unsubscribe.
func (r *Router) Subscribe(symbol string, fn func(Event)) uint64 {
	id := r.nextID.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[symbol] == nil {
		r.subs[symbol] = make(map[uint64]func(Event))
	}
	r.subs[symbol][id] = fn
	return id
}

// Unsubscribe removes a previously registered callback.
func (r *Router) Unsubscribe(symbol string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.subs[symbol]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(r.subs, symbol)
		}
	}
}

// Start launches the dispatch loop.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.inbox:
				r.dispatch(ev)
			}
		}
	}()
}

// Stop terminates the dispatch loop.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Router) dispatch(ev Event) {
	symbol := ev.EventSymbol()

	r.mu.RLock()
	targets := make([]func(Event), 0, 4)
	for _, fn := range r.subs[symbol] {
		targets = append(targets, fn)
	}
	if symbol != allSymbols {
		for _, fn := range r.subs[allSymbols] {
			targets = append(targets, fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range targets {
		r.invoke(fn, ev)
	}
}

// invoke isolates one subscriber; a panic is logged and does not affect
// the others or the dispatch loop.
func (r *Router) invoke(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Market subscriber panicked",
				slog.String("venue", r.venue),
				slog.String("symbol", ev.EventSymbol()),
				slog.Any("panic", rec))
		}
	}()
	fn(ev)
}

// RouterStats is a point-in-time view of the router counters.
type RouterStats struct {
	Venue     string
	Parsed    int64
	Malformed int64
	Dropped   int64
}

// Stats snapshots the router counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Venue:     r.venue,
		Parsed:    r.parsed.Load(),
		Malformed: r.malformed.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
