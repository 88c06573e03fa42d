package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the canonical shape of a venue ticker frame.
type Ticker struct {
	Symbol         string          `json:"symbol"`
	LastPrice      decimal.Decimal `json:"last_price"`
	ChangeAbs      decimal.Decimal `json:"change_abs"`
	ChangePct      decimal.Decimal `json:"change_pct"`
	Volume         decimal.Decimal `json:"volume"`
	Venue          string          `json:"venue"`
	ReceivedUnixMs int64           `json:"received_unix_ms"`
}

// ChangeDirection returns "positive", "negative", or "neutral".
func (t *Ticker) ChangeDirection() string {
	switch t.ChangePct.Sign() {
	case 1:
		return "positive"
	case -1:
		return "negative"
	default:
		return "neutral"
	}
}

// BookLevel is one price level of an order-book snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is the canonical shape of a depth frame.
type BookSnapshot struct {
	Symbol         string      `json:"symbol"`
	Bids           []BookLevel `json:"bids"`
	Asks           []BookLevel `json:"asks"`
	Venue          string      `json:"venue"`
	ReceivedUnixMs int64       `json:"received_unix_ms"`
}

// BestBid returns the top bid level, if any.
func (b *BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// TradeTick is the canonical shape of a public trade frame.
type TradeTick struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
	Timestamp    time.Time       `json:"timestamp"`
	Venue        string          `json:"venue"`
}
