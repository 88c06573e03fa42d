package marketdata

import (
	"tradecore/internal/domain"
)

// EventType tags the kind of a normalized market-data event.
type EventType uint16

const (
	EvTicker EventType = iota + 1
	EvBook
	EvTrade
)

func (t EventType) String() string {
	switch t {
	case EvTicker:
		return "TICKER"
	case EvBook:
		return "BOOK"
	case EvTrade:
		return "TRADE"
	default:
		return "UNKNOWN"
	}
}

// Event is the tagged union of normalized venue updates. Each variant
// is immutable once produced and freely shared by read.
type Event interface {
	Type() EventType
	EventSymbol() string
}

// TickerEvent carries a normalized ticker update.
type TickerEvent struct {
	Ticker domain.Ticker
}

func (e TickerEvent) Type() EventType     { return EvTicker }
func (e TickerEvent) EventSymbol() string { return e.Ticker.Symbol }

// BookEvent carries a normalized order-book snapshot.
type BookEvent struct {
	Book domain.BookSnapshot
}

func (e BookEvent) Type() EventType     { return EvBook }
func (e BookEvent) EventSymbol() string { return e.Book.Symbol }

// TradeEvent carries a normalized public trade.
type TradeEvent struct {
	Trade domain.TradeTick
}

func (e TradeEvent) Type() EventType     { return EvTrade }
func (e TradeEvent) EventSymbol() string { return e.Trade.Symbol }
