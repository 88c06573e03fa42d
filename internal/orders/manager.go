// Package orders implements the order lifecycle state machine: request
// validation, asynchronous fill ingestion, and query surfaces over
// immutable snapshots.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

var ErrUnknownOrder = errors.New("unknown order")

// ValidationError reports a caller-correctable order request problem.
// Never partially applied: no order record exists after one.
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order validation failed [%s]: %s", e.Code, e.Reason)
}

func validationErr(code, format string, args ...any) error {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Config carries the manager limits and tuning.
type Config struct {
	MaxOrderValue   decimal.Decimal
	MaxOrderSize    decimal.Decimal
	MaxOpenOrders   int
	OrdersPerSecond float64
	OrderBurst      int
	MetricsInterval time.Duration
}

// Archiver receives terminal orders for external persistence. The
// manager works fine without one.
type Archiver interface {
	ArchiveOrder(ctx context.Context, order domain.Order) error
}

// orderEntry wraps the canonical record with its serialization point:
// all mutations to one order happen under mu while different orders
// proceed in parallel.
type orderEntry struct {
	mu    sync.Mutex
	order domain.Order
}

// Manager owns the canonical order table. Construct one per
// application; consumers only ever see snapshots.
type Manager struct {
	cfg     Config
	limiter *infra.RateLimiter
	archive Archiver

	mu        sync.RWMutex
	orders    map[string]*orderEntry
	byClient  map[string]string
	bySymbol  map[string]map[string]struct{}
	byAccount map[string]map[string]struct{}
	history   *historyIndex
	openCount int

	fillSeq atomic.Uint64
	metrics *metrics

	now func() time.Time
}

// NewManager creates an order manager with the given limits.
func NewManager(cfg Config, archive Archiver) *Manager {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 30 * time.Second
	}

	var limiter *infra.RateLimiter
	if cfg.OrdersPerSecond > 0 {
		burst := cfg.OrderBurst
		if burst <= 0 {
			burst = int(cfg.OrdersPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = infra.NewRateLimiter(burst, cfg.OrdersPerSecond)
	}

	return &Manager{
		cfg:       cfg,
		limiter:   limiter,
		archive:   archive,
		orders:    make(map[string]*orderEntry),
		byClient:  make(map[string]string),
		bySymbol:  make(map[string]map[string]struct{}),
		byAccount: make(map[string]map[string]struct{}),
		history:   newHistoryIndex(),
		metrics:   newMetrics(),
		now:       time.Now,
	}
}

// CreateOrder validates the request and registers a new order. On any
// violation it fails without creating a record. Submission to a venue
// is a separate step performed by the execution boundary.
func (m *Manager) CreateOrder(req domain.OrderRequest) (domain.Order, error) {
	start := m.now()

	if err := m.validate(req); err != nil {
		m.metrics.rejected.Add(1)
		return domain.Order{}, err
	}

	now := m.now()
	order := domain.Order{
		OrderID:           uuid.NewString(),
		ClientOrderID:     req.ClientOrderID,
		Account:           req.Account,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		TimeInForce:       req.TimeInForce,
		Venue:             req.Venue,
		OriginalQuantity:  req.Quantity,
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		Status:            domain.StatusPendingValidation,
		RemainingQuantity: req.Quantity,
		ExecutedQuantity:  decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.Status = domain.StatusValidated

	entry := &orderEntry{order: order}

	m.mu.Lock()
	// Re-check uniqueness under the write lock.
	clientKey := req.Account + "/" + req.ClientOrderID
	if req.ClientOrderID != "" {
		if _, dup := m.byClient[clientKey]; dup {
			m.mu.Unlock()
			m.metrics.rejected.Add(1)
			return domain.Order{}, validationErr("DUPLICATE_CLIENT_ID", "client order id %s already used", req.ClientOrderID)
		}
		m.byClient[clientKey] = order.OrderID
	}
	m.orders[order.OrderID] = entry
	addToSet(m.bySymbol, order.Symbol, order.OrderID)
	addToSet(m.byAccount, order.Account, order.OrderID)
	m.history.insert(order.CreatedAt, order.OrderID)
	m.openCount++
	m.mu.Unlock()

	m.metrics.created.Add(1)
	m.metrics.observe(stageValidation, m.now().Sub(start))

	slog.Info("Order created",
		slog.String("order_id", order.OrderID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("type", string(order.Type)),
		slog.String("qty", order.OriginalQuantity.String()))

	return order.Snapshot(), nil
}

func (m *Manager) validate(req domain.OrderRequest) error {
	if m.limiter != nil && !m.limiter.TryAcquire() {
		return validationErr("RATE_LIMITED", "order creation rate limit exceeded")
	}
	if req.Symbol == "" {
		return validationErr("INVALID_SYMBOL", "symbol is required")
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return validationErr("INVALID_SIDE", "side must be BUY or SELL, got %q", req.Side)
	}
	if req.Type == "" {
		return validationErr("INVALID_TYPE", "order type is required")
	}
	if !req.Quantity.IsPositive() {
		return validationErr("INVALID_QUANTITY", "quantity must be positive, got %s", req.Quantity)
	}
	if req.Type.RequiresPrice() && !req.Price.IsPositive() {
		return validationErr("MISSING_PRICE", "order type %s requires a positive price", req.Type)
	}

	if m.cfg.MaxOrderSize.IsPositive() && req.Quantity.GreaterThan(m.cfg.MaxOrderSize) {
		return validationErr("MAX_ORDER_SIZE", "quantity %s exceeds limit %s", req.Quantity, m.cfg.MaxOrderSize)
	}
	if m.cfg.MaxOrderValue.IsPositive() && req.Price.IsPositive() {
		value := req.Price.Mul(req.Quantity)
		if value.GreaterThan(m.cfg.MaxOrderValue) {
			return validationErr("MAX_ORDER_VALUE", "order value %s exceeds limit %s", value, m.cfg.MaxOrderValue)
		}
	}

	if m.cfg.MaxOpenOrders > 0 {
		m.mu.RLock()
		open := m.openCount
		m.mu.RUnlock()
		if open >= m.cfg.MaxOpenOrders {
			return validationErr("MAX_OPEN_ORDERS", "open order limit %d reached", m.cfg.MaxOpenOrders)
		}
	}

	return nil
}

func (m *Manager) entry(orderID string) (*orderEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.orders[orderID]
	return e, ok
}

// MarkSubmitted records that the order left for a venue.
func (m *Manager) MarkSubmitted(orderID string) bool {
	return m.transition(orderID, domain.StatusSubmitted, func(o *domain.Order, now time.Time) {
		o.SubmittedAt = &now
	})
}

// MarkAcknowledged records the venue ack; the order may now fill.
func (m *Manager) MarkAcknowledged(orderID string) bool {
	ok := m.transition(orderID, domain.StatusAcknowledged, func(o *domain.Order, now time.Time) {
		o.AcknowledgedAt = &now
		if o.SubmittedAt != nil {
			m.metrics.observe(stageAck, now.Sub(*o.SubmittedAt))
		}
	})
	return ok
}

// MarkRejected records a venue-side reject; terminal.
func (m *Manager) MarkRejected(orderID, reason string) bool {
	return m.transition(orderID, domain.StatusRejected, func(o *domain.Order, now time.Time) {
		o.CancelReason = reason
		o.CompletedAt = &now
	})
}

// MarkExpired records a venue-side expiry; terminal.
func (m *Manager) MarkExpired(orderID string) bool {
	return m.transition(orderID, domain.StatusExpired, func(o *domain.Order, now time.Time) {
		o.CompletedAt = &now
	})
}

// transition applies one legal status change under the per-order lock.
func (m *Manager) transition(orderID string, next domain.OrderStatus, apply func(*domain.Order, time.Time)) bool {
	e, ok := m.entry(orderID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.order.Status.CanTransition(next) {
		return false
	}

	wasOpen := e.order.IsOpen()
	e.order.Status = next
	now := m.now()
	e.order.UpdatedAt = now
	if apply != nil {
		apply(&e.order, now)
	}

	if wasOpen && !e.order.IsOpen() {
		m.finalize(&e.order)
	}
	return true
}

// CancelOrder requests cancellation. Best-effort and idempotent:
// returns false for terminal or unknown orders without error.
func (m *Manager) CancelOrder(orderID, reason string) bool {
	e, ok := m.entry(orderID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.order.Status.IsTerminal() {
		return false
	}

	now := m.now()
	// Orders already working at a venue pass through PENDING_CANCEL;
	// the cancel itself is fire-and-forget so we settle immediately.
	if e.order.Status.CanTransition(domain.StatusPendingCancel) {
		e.order.Status = domain.StatusPendingCancel
	}
	e.order.Status = domain.StatusCanceled
	e.order.CancelReason = reason
	e.order.UpdatedAt = now
	e.order.CompletedAt = &now

	m.metrics.canceled.Add(1)
	m.finalize(&e.order)

	slog.Info("Order canceled",
		slog.String("order_id", orderID),
		slog.String("reason", reason))
	return true
}

// Modifications is the set of mutable order parameters.
type Modifications struct {
	Quantity    *decimal.Decimal
	Price       *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce *domain.TimeInForce
}

// ModifyOrder amends a working order. Best-effort and idempotent:
// terminal or unknown orders are a no-op returning false, as is a
// quantity below what has already executed.
func (m *Manager) ModifyOrder(orderID string, mods Modifications, reason string) bool {
	e, ok := m.entry(orderID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.order.Status.IsTerminal() {
		return false
	}

	if mods.Quantity != nil {
		if !mods.Quantity.IsPositive() || mods.Quantity.LessThan(e.order.ExecutedQuantity) {
			return false
		}
		e.order.OriginalQuantity = *mods.Quantity
		e.order.RemainingQuantity = mods.Quantity.Sub(e.order.ExecutedQuantity)
	}
	if mods.Price != nil {
		if !mods.Price.IsPositive() {
			return false
		}
		e.order.Price = *mods.Price
	}
	if mods.StopPrice != nil {
		e.order.StopPrice = *mods.StopPrice
	}
	if mods.TimeInForce != nil {
		e.order.TimeInForce = *mods.TimeInForce
	}
	e.order.UpdatedAt = m.now()

	slog.Info("Order modified",
		slog.String("order_id", orderID),
		slog.String("reason", reason))
	return true
}

// ApplyFill ingests one execution report. A fill for an unknown order
// is logged and discarded; it never creates a synthetic order. Fills
// for one order are serialized and applied in arrival order.
func (m *Manager) ApplyFill(fill domain.OrderFill) error {
	e, ok := m.entry(fill.OrderID)
	if !ok {
		m.metrics.fillsDiscarded.Add(1)
		slog.Warn("Fill for unknown order discarded",
			slog.String("order_id", fill.OrderID),
			slog.String("fill_id", fill.FillID))
		return fmt.Errorf("%w: %s", ErrUnknownOrder, fill.OrderID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.order.Status.CanFill() {
		m.metrics.fillsDiscarded.Add(1)
		slog.Warn("Fill for non-fillable order discarded",
			slog.String("order_id", fill.OrderID),
			slog.String("status", string(e.order.Status)))
		return fmt.Errorf("order %s in status %s cannot fill", fill.OrderID, e.order.Status)
	}

	fill.Sequence = m.fillSeq.Add(1)
	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}
	e.order.Fills = append(e.order.Fills, fill)

	m.recomputeLocked(&e.order)

	now := m.now()
	e.order.UpdatedAt = now
	if e.order.FirstFillAt == nil {
		e.order.FirstFillAt = &now
		if e.order.AcknowledgedAt != nil {
			m.metrics.observe(stageFirstFill, now.Sub(*e.order.AcknowledgedAt))
		}
	}

	if e.order.ExecutedQuantity.GreaterThanOrEqual(e.order.OriginalQuantity) {
		e.order.Status = domain.StatusFilled
		e.order.CompletedAt = &now
		m.metrics.filled.Add(1)
		m.metrics.observe(stageComplete, now.Sub(e.order.CreatedAt))
		m.finalize(&e.order)
	} else if e.order.Status != domain.StatusPendingCancel {
		e.order.Status = domain.StatusPartiallyFilled
	}

	m.metrics.fills.Add(1)
	return nil
}

// recomputeLocked folds over the fill sequence to rebuild every
// aggregate. Caller holds the entry lock.
func (m *Manager) recomputeLocked(o *domain.Order) {
	executed := decimal.Zero
	weighted := decimal.Zero
	commission := decimal.Zero
	fees := decimal.Zero

	for _, f := range o.Fills {
		executed = executed.Add(f.Quantity)
		weighted = weighted.Add(f.Price.Mul(f.Quantity))
		commission = commission.Add(f.Commission)
		fees = fees.Add(f.Fees)
	}

	o.ExecutedQuantity = executed
	o.RemainingQuantity = o.OriginalQuantity.Sub(executed)
	if o.RemainingQuantity.IsNegative() {
		o.RemainingQuantity = decimal.Zero
	}
	if executed.IsPositive() {
		o.AveragePrice = weighted.Div(executed)
	}
	o.TotalCommission = commission
	o.TotalFees = fees
}

// finalize runs when an order goes terminal: open-count bookkeeping and
// the archive hook. Caller holds the entry lock.
func (m *Manager) finalize(o *domain.Order) {
	m.mu.Lock()
	if m.openCount > 0 {
		m.openCount--
	}
	m.mu.Unlock()

	if m.archive == nil {
		return
	}
	snap := o.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.archive.ArchiveOrder(ctx, snap); err != nil {
			slog.Warn("Order archive failed",
				slog.String("order_id", snap.OrderID),
				slog.Any("err", err))
		}
	}()
}

func addToSet(index map[string]map[string]struct{}, key, orderID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[orderID] = struct{}{}
}
