package marketdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

var ErrUnknownFrame = errors.New("unrecognized frame shape")

// frameProbe sniffs the frame kind before committing to a shape.
// Combined-stream frames wrap the payload in {"stream":..,"data":..}.
type frameProbe struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	Symbol string          `json:"s"`
	Close  json.RawMessage `json:"c"`
	Bids   json.RawMessage `json:"bids"`
	Asks   json.RawMessage `json:"asks"`
	Price  json.RawMessage `json:"p"`
	Qty    json.RawMessage `json:"q"`
	TsMs   json.RawMessage `json:"T"`
}

type tickerFrame struct {
	Symbol    string          `json:"s"`
	LastPrice decimal.Decimal `json:"c"`
	ChangeAbs decimal.Decimal `json:"P"`
	ChangePct decimal.Decimal `json:"p"`
	Volume    decimal.Decimal `json:"v"`
}

type bookFrame struct {
	Symbol string              `json:"s"`
	Bids   [][]decimal.Decimal `json:"bids"`
	Asks   [][]decimal.Decimal `json:"asks"`
}

type tradeFrame struct {
	Symbol       string          `json:"s"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	IsBuyerMaker bool            `json:"m"`
	TsMs         int64           `json:"T"`
}

// ParseFrame normalizes one venue JSON frame into an Event. Symbol may
// be carried in the frame itself or derived from the enclosing stream
// key; fallback is the explicit hint.
func ParseFrame(venue string, raw []byte, symbolHint string) (Event, error) {
	var probe frameProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	// Unwrap combined-stream envelopes.
	if len(probe.Data) > 0 {
		if symbolHint == "" {
			symbolHint = probe.Stream
		}
		return ParseFrame(venue, probe.Data, symbolHint)
	}

	now := time.Now().UnixMilli()

	switch {
	case probe.Symbol != "" && len(probe.Close) > 0:
		var f tickerFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("ticker frame: %w", err)
		}
		return TickerEvent{Ticker: domain.Ticker{
			Symbol:         f.Symbol,
			LastPrice:      f.LastPrice,
			ChangeAbs:      f.ChangeAbs,
			ChangePct:      f.ChangePct,
			Volume:         f.Volume,
			Venue:          venue,
			ReceivedUnixMs: now,
		}}, nil

	case len(probe.Bids) > 0 || len(probe.Asks) > 0:
		var f bookFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("depth frame: %w", err)
		}
		symbol := f.Symbol
		if symbol == "" {
			symbol = symbolHint
		}
		bids, err := toLevels(f.Bids)
		if err != nil {
			return nil, fmt.Errorf("depth bids: %w", err)
		}
		asks, err := toLevels(f.Asks)
		if err != nil {
			return nil, fmt.Errorf("depth asks: %w", err)
		}
		return BookEvent{Book: domain.BookSnapshot{
			Symbol:         symbol,
			Bids:           bids,
			Asks:           asks,
			Venue:          venue,
			ReceivedUnixMs: now,
		}}, nil

	case len(probe.Price) > 0 && len(probe.Qty) > 0 && len(probe.TsMs) > 0:
		var f tradeFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("trade frame: %w", err)
		}
		symbol := f.Symbol
		if symbol == "" {
			symbol = symbolHint
		}
		return TradeEvent{Trade: domain.TradeTick{
			Symbol:       symbol,
			Price:        f.Price,
			Quantity:     f.Quantity,
			IsBuyerMaker: f.IsBuyerMaker,
			Timestamp:    time.UnixMilli(f.TsMs),
			Venue:        venue,
		}}, nil
	}

	return nil, ErrUnknownFrame
}

// toLevels converts venue [price, qty, ...] rows; rows shorter than two
// entries are malformed.
func toLevels(rows [][]decimal.Decimal) ([]domain.BookLevel, error) {
	levels := make([]domain.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row has %d entries", len(row))
		}
		levels = append(levels, domain.BookLevel{Price: row[0], Quantity: row[1]})
	}
	return levels, nil
}
