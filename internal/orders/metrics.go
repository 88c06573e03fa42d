package orders

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type latencyStage int

const (
	stageValidation latencyStage = iota
	stageAck
	stageFirstFill
	stageComplete
	stageCount
)

func (s latencyStage) String() string {
	switch s {
	case stageValidation:
		return "validation"
	case stageAck:
		return "ack"
	case stageFirstFill:
		return "first_fill"
	case stageComplete:
		return "complete"
	}
	return "unknown"
}

// maxLatencySamples bounds per-stage memory; the reservoir wraps and
// overwrites the oldest sample.
const maxLatencySamples = 4096

// latencyWindow is a fixed-size ring of duration samples.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func (w *latencyWindow) observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples == nil {
		w.samples = make([]time.Duration, maxLatencySamples)
	}
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// percentiles returns p50/p95/p99 over the current window, or false
// when no samples have been recorded.
func (w *latencyWindow) percentiles() (p50, p95, p99 time.Duration, ok bool) {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		w.mu.Unlock()
		return 0, 0, 0, false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(p float64) time.Duration {
		idx := int(p * float64(n-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99), true
}

type metrics struct {
	created        atomic.Uint64
	rejected       atomic.Uint64
	canceled       atomic.Uint64
	filled         atomic.Uint64
	fills          atomic.Uint64
	fillsDiscarded atomic.Uint64

	latencies [stageCount]latencyWindow
}

func newMetrics() *metrics {
	return &metrics{}
}

func (m *metrics) observe(stage latencyStage, d time.Duration) {
	m.latencies[stage].observe(d)
}

// StageLatency is the percentile summary for one lifecycle stage.
type StageLatency struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Metrics is a point-in-time summary of manager activity.
type Metrics struct {
	OrdersCreated  uint64 `json:"orders_created"`
	OrdersRejected uint64 `json:"orders_rejected"`
	OrdersCanceled uint64 `json:"orders_canceled"`
	OrdersFilled   uint64 `json:"orders_filled"`
	FillsApplied   uint64 `json:"fills_applied"`
	FillsDiscarded uint64 `json:"fills_discarded"`
	OpenOrders     int    `json:"open_orders"`

	FillRate      float64 `json:"fill_rate"`
	RejectionRate float64 `json:"rejection_rate"`

	Latency map[string]StageLatency `json:"latency"`
}

// Metrics snapshots the counters and latency percentiles.
func (m *Manager) Metrics() Metrics {
	created := m.metrics.created.Load()
	rejected := m.metrics.rejected.Load()

	m.mu.RLock()
	open := m.openCount
	m.mu.RUnlock()

	out := Metrics{
		OrdersCreated:  created,
		OrdersRejected: rejected,
		OrdersCanceled: m.metrics.canceled.Load(),
		OrdersFilled:   m.metrics.filled.Load(),
		FillsApplied:   m.metrics.fills.Load(),
		FillsDiscarded: m.metrics.fillsDiscarded.Load(),
		OpenOrders:     open,
		Latency:        make(map[string]StageLatency),
	}
	if created > 0 {
		out.FillRate = float64(out.OrdersFilled) / float64(created)
	}
	if attempted := created + rejected; attempted > 0 {
		out.RejectionRate = float64(rejected) / float64(attempted)
	}
	for s := latencyStage(0); s < stageCount; s++ {
		if p50, p95, p99, ok := m.metrics.latencies[s].percentiles(); ok {
			out.Latency[s.String()] = StageLatency{P50: p50, P95: p95, P99: p99}
		}
	}
	return out
}

// ReportMetrics logs a metrics summary on the configured interval until
// the context is canceled.
func (m *Manager) ReportMetrics(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Metrics()
			slog.Info("Order manager metrics",
				slog.Uint64("created", snap.OrdersCreated),
				slog.Uint64("filled", snap.OrdersFilled),
				slog.Uint64("canceled", snap.OrdersCanceled),
				slog.Uint64("rejected", snap.OrdersRejected),
				slog.Uint64("fills", snap.FillsApplied),
				slog.Int("open", snap.OpenOrders),
				slog.Float64("fill_rate", snap.FillRate),
				slog.Float64("rejection_rate", snap.RejectionRate))
		}
	}
}
