package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/commission"
	"tradecore/internal/domain"
	"tradecore/internal/orders"
)

// PaperVenue simulates a venue against live market prices. Market
// orders fill immediately at the last observed price; limit orders
// rest until a price update crosses them. Used for pre-production
// validation of the order path.
type PaperVenue struct {
	name string
	mgr  *orders.Manager
	calc *commission.Calculator

	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	resting map[string]domain.Order
}

// NewPaperVenue creates a paper venue reporting into the given order
// manager. The calculator is optional; without one fills carry zero
// commission.
func NewPaperVenue(name string, mgr *orders.Manager, calc *commission.Calculator) *PaperVenue {
	return &PaperVenue{
		name:    name,
		mgr:     mgr,
		calc:    calc,
		prices:  make(map[string]decimal.Decimal),
		resting: make(map[string]domain.Order),
	}
}

func (p *PaperVenue) Name() string { return p.name }

// SubmitOrder acks the order, then fills it immediately when it is
// marketable against the last price.
func (p *PaperVenue) SubmitOrder(_ context.Context, order domain.Order) error {
	if !p.mgr.MarkSubmitted(order.OrderID) {
		return fmt.Errorf("order %s not submittable", order.OrderID)
	}
	p.mgr.MarkAcknowledged(order.OrderID)

	p.mu.Lock()
	last, hasPrice := p.prices[order.Symbol]
	p.mu.Unlock()

	if order.Type == domain.TypeMarket {
		if !hasPrice {
			return fmt.Errorf("no price available for %s", order.Symbol)
		}
		return p.fill(order, last, domain.LiquidityTaker)
	}

	if hasPrice && crosses(order, last) {
		return p.fill(order, order.Price, domain.LiquidityTaker)
	}

	p.mu.Lock()
	p.resting[order.OrderID] = order
	p.mu.Unlock()
	return nil
}

// CancelOrder pulls a resting order; a miss is still best-effort
// forwarded to the manager.
func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	delete(p.resting, orderID)
	p.mu.Unlock()

	if !p.mgr.CancelOrder(orderID, "venue cancel") {
		return fmt.Errorf("order %s not cancelable", orderID)
	}
	return nil
}

// UpdatePrice records the latest trade price for a symbol and fills
// any resting orders it crosses. Wire this to a market data router.
func (p *PaperVenue) UpdatePrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	p.mu.Lock()
	p.prices[symbol] = price
	var matched []domain.Order
	for id, o := range p.resting {
		if o.Symbol == symbol && crosses(o, price) {
			matched = append(matched, o)
			delete(p.resting, id)
		}
	}
	p.mu.Unlock()

	for _, o := range matched {
		// Resting orders execute at their limit price as maker flow.
		if err := p.fill(o, o.Price, domain.LiquidityMaker); err != nil {
			slog.Warn("Paper fill failed",
				slog.String("order_id", o.OrderID),
				slog.Any("err", err))
		}
	}
}

// crosses reports whether the price makes the limit order executable.
func crosses(o domain.Order, price decimal.Decimal) bool {
	if !o.Price.IsPositive() {
		return false
	}
	if o.Side == domain.SideBuy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

// fill executes the full remaining quantity in one report.
func (p *PaperVenue) fill(order domain.Order, price decimal.Decimal, liquidity domain.LiquidityFlag) error {
	f := domain.OrderFill{
		FillID:    uuid.NewString(),
		OrderID:   order.OrderID,
		Venue:     p.name,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     price,
		Quantity:  order.RemainingQuantity,
		Liquidity: liquidity,
		Timestamp: time.Now(),
	}

	if p.calc != nil {
		calc, err := p.calc.Calculate(f, order.Account, liquidity)
		if err != nil {
			slog.Warn("Commission calculation failed, filling without fees",
				slog.String("order_id", order.OrderID),
				slog.Any("err", err))
		} else {
			// Split the clamped total so commission plus fees always
			// equals what the calculator charged.
			f.Fees = calc.RegulatoryFees.Add(calc.ClearingFees)
			f.Commission = calc.TotalCommission.Sub(f.Fees)
		}
	}

	if err := p.mgr.ApplyFill(f); err != nil {
		return err
	}

	slog.Info("Paper fill",
		slog.String("order_id", order.OrderID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("price", price.String()),
		slog.String("qty", f.Quantity.String()))
	return nil
}

// Resting returns how many limit orders are waiting for a price.
func (p *PaperVenue) Resting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resting)
}
