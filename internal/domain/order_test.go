package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.CanFill() {
			t.Errorf("%s should not accept fills", s)
		}
	}

	open := []OrderStatus{StatusPendingValidation, StatusValidated, StatusSubmitted, StatusAcknowledged, StatusPartiallyFilled, StatusPendingCancel, StatusSuspended}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{StatusPendingValidation, StatusValidated, true},
		{StatusPendingValidation, StatusRejected, true},
		{StatusPendingValidation, StatusFilled, false},
		{StatusValidated, StatusSubmitted, true},
		{StatusSubmitted, StatusAcknowledged, true},
		{StatusAcknowledged, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusAcknowledged, StatusPendingCancel, true},
		{StatusPendingCancel, StatusCanceled, true},
		{StatusFilled, StatusCanceled, false},
		{StatusCanceled, StatusAcknowledged, false},
		{StatusSuspended, StatusAcknowledged, true},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestOrderSnapshotIsDeepCopy(t *testing.T) {
	o := Order{
		OrderID:          "o-1",
		Status:           StatusPartiallyFilled,
		OriginalQuantity: decimal.NewFromInt(10),
		Fills: []OrderFill{
			{FillID: "f-1", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(4)},
		},
	}

	snap := o.Snapshot()
	snap.Fills[0].FillID = "mutated"
	snap.Status = StatusFilled

	if o.Fills[0].FillID != "f-1" {
		t.Error("snapshot mutation leaked into the canonical fill")
	}
	if o.Status != StatusPartiallyFilled {
		t.Error("snapshot mutation leaked into the canonical order")
	}
}

func TestFillNotional(t *testing.T) {
	f := OrderFill{Price: decimal.RequireFromString("100.5"), Quantity: decimal.NewFromInt(2)}
	if !f.Notional().Equal(decimal.RequireFromString("201")) {
		t.Errorf("notional = %s, want 201", f.Notional())
	}
}
