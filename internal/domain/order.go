package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trading intent.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType enumerates the supported venue order types.
type OrderType string

const (
	TypeMarket            OrderType = "MARKET"
	TypeLimit             OrderType = "LIMIT"
	TypeStopLoss          OrderType = "STOP_LOSS"
	TypeStopLossLimit     OrderType = "STOP_LOSS_LIMIT"
	TypeTakeProfit        OrderType = "TAKE_PROFIT"
	TypeTakeProfitLimit   OrderType = "TAKE_PROFIT_LIMIT"
	TypeLimitMaker        OrderType = "LIMIT_MAKER"
	TypeTrailingStop      OrderType = "TRAILING_STOP"
	TypeTrailingStopLimit OrderType = "TRAILING_STOP_LIMIT"
	TypeIceberg           OrderType = "ICEBERG"
	TypeTWAP              OrderType = "TWAP"
	TypeVWAP              OrderType = "VWAP"
	TypePegged            OrderType = "PEGGED"
	TypeBracket           OrderType = "BRACKET"
	TypeOCO               OrderType = "OCO"
)

// RequiresPrice reports whether the order type needs a limit price.
func (t OrderType) RequiresPrice() bool {
	switch t {
	case TypeLimit, TypeStopLossLimit, TypeTakeProfitLimit, TypeLimitMaker, TypeTrailingStopLimit:
		return true
	}
	return false
}

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
	TIFGoodTillDate      TimeInForce = "GTD"
	TIFDay               TimeInForce = "DAY"
)

// OrderStatus is the order lifecycle state machine.
type OrderStatus string

const (
	StatusPendingValidation OrderStatus = "PENDING_VALIDATION"
	StatusValidated         OrderStatus = "VALIDATED"
	StatusSubmitted         OrderStatus = "SUBMITTED"
	StatusAcknowledged      OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled            OrderStatus = "FILLED"
	StatusPendingCancel     OrderStatus = "PENDING_CANCEL"
	StatusCanceled          OrderStatus = "CANCELED"
	StatusRejected          OrderStatus = "REJECTED"
	StatusExpired           OrderStatus = "EXPIRED"
	StatusFailed            OrderStatus = "FAILED"
	StatusSuspended         OrderStatus = "SUSPENDED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// CanFill reports whether the order may still receive executions.
func (s OrderStatus) CanFill() bool {
	return s == StatusAcknowledged || s == StatusPartiallyFilled || s == StatusPendingCancel
}

// Legal transitions, keyed by the current status. Terminal states have
// no entry.
var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPendingValidation: {StatusValidated, StatusRejected},
	StatusValidated:         {StatusSubmitted, StatusCanceled, StatusFailed},
	StatusSubmitted:         {StatusAcknowledged, StatusRejected, StatusCanceled, StatusFailed, StatusExpired},
	StatusAcknowledged:      {StatusPartiallyFilled, StatusFilled, StatusPendingCancel, StatusCanceled, StatusExpired, StatusSuspended, StatusFailed},
	StatusPartiallyFilled:   {StatusPartiallyFilled, StatusFilled, StatusPendingCancel, StatusCanceled, StatusExpired, StatusSuspended, StatusFailed},
	StatusPendingCancel:     {StatusCanceled, StatusPartiallyFilled, StatusFilled, StatusFailed},
	StatusSuspended:         {StatusAcknowledged, StatusCanceled, StatusExpired, StatusFailed},
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderRequest is the caller-facing order entry payload.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Venue         string          `json:"venue,omitempty"`
}

// Order is one trading intent and its execution progress.
// The canonical record is owned by the order manager; everything handed
// out through queries is a snapshot.
type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Account       string      `json:"account"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Venue         string      `json:"venue,omitempty"`

	OriginalQuantity decimal.Decimal `json:"original_quantity"`
	Price            decimal.Decimal `json:"price,omitempty"`
	StopPrice        decimal.Decimal `json:"stop_price,omitempty"`

	Status            OrderStatus     `json:"status"`
	ExecutedQuantity  decimal.Decimal `json:"executed_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	AveragePrice      decimal.Decimal `json:"average_price"`
	Fills             []OrderFill     `json:"fills"`
	TotalCommission   decimal.Decimal `json:"total_commission"`
	TotalFees         decimal.Decimal `json:"total_fees"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	FirstFillAt    *time.Time `json:"first_fill_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// Snapshot returns a deep copy safe to hand to readers.
func (o *Order) Snapshot() Order {
	cp := *o
	cp.Fills = make([]OrderFill, len(o.Fills))
	copy(cp.Fills, o.Fills)
	return cp
}

// OrderFill is a single execution report against an order. Fills are
// immutable once recorded; order aggregates are recomputed by folding
// over the fill sequence.
type OrderFill struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Fees       decimal.Decimal `json:"fees"`
	Liquidity  LiquidityFlag   `json:"liquidity"`
	Timestamp  time.Time       `json:"timestamp"`

	// Sequence records arrival order at ingestion for auditability.
	Sequence uint64 `json:"sequence"`
}

// Notional is price * quantity for the fill.
func (f OrderFill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}
