package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testManager() *Manager {
	return NewManager(Config{
		MaxOrderValue: dec("1000000"),
		MaxOrderSize:  dec("100"),
		MaxOpenOrders: 50,
	}, nil)
}

func limitRequest() domain.OrderRequest {
	return domain.OrderRequest{
		Account:     "acct-1",
		Symbol:      "BTCUSDT",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		Quantity:    dec("2"),
		Price:       dec("50000"),
		TimeInForce: domain.TIFGoodTillCancel,
		Venue:       "paper",
	}
}

// workingOrder creates an order and walks it to ACKNOWLEDGED.
func workingOrder(t *testing.T, m *Manager, req domain.OrderRequest) domain.Order {
	t.Helper()
	order, err := m.CreateOrder(req)
	require.NoError(t, err)
	require.True(t, m.MarkSubmitted(order.OrderID))
	require.True(t, m.MarkAcknowledged(order.OrderID))
	return order
}

func fillFor(order domain.Order, price, qty, commission string) domain.OrderFill {
	return domain.OrderFill{
		OrderID:    order.OrderID,
		Venue:      order.Venue,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      dec(price),
		Quantity:   dec(qty),
		Commission: dec(commission),
		Liquidity:  domain.LiquidityTaker,
		Timestamp:  time.Now(),
	}
}

func TestCreateOrder(t *testing.T) {
	m := testManager()

	order, err := m.CreateOrder(limitRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, domain.StatusValidated, order.Status)
	assert.True(t, order.RemainingQuantity.Equal(order.OriginalQuantity))
	assert.True(t, order.ExecutedQuantity.IsZero())
	assert.False(t, order.CreatedAt.IsZero())
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.OrderRequest)
		code   string
	}{
		{"missing symbol", func(r *domain.OrderRequest) { r.Symbol = "" }, "INVALID_SYMBOL"},
		{"bad side", func(r *domain.OrderRequest) { r.Side = "HOLD" }, "INVALID_SIDE"},
		{"zero quantity", func(r *domain.OrderRequest) { r.Quantity = decimal.Zero }, "INVALID_QUANTITY"},
		{"negative quantity", func(r *domain.OrderRequest) { r.Quantity = dec("-1") }, "INVALID_QUANTITY"},
		{"limit without price", func(r *domain.OrderRequest) { r.Price = decimal.Zero }, "MISSING_PRICE"},
		{"over max size", func(r *domain.OrderRequest) { r.Quantity = dec("101"); r.Price = dec("1") }, "MAX_ORDER_SIZE"},
		{"over max value", func(r *domain.OrderRequest) { r.Quantity = dec("99"); r.Price = dec("50000") }, "MAX_ORDER_VALUE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testManager()
			req := limitRequest()
			tc.mutate(&req)

			_, err := m.CreateOrder(req)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.code, verr.Code)
			assert.Empty(t, m.GetOrdersByAccount("acct-1"), "rejected request must not leave a record")
		})
	}
}

func TestCreateOrderDuplicateClientID(t *testing.T) {
	m := testManager()
	req := limitRequest()
	req.ClientOrderID = "cli-42"

	_, err := m.CreateOrder(req)
	require.NoError(t, err)

	_, err = m.CreateOrder(req)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "DUPLICATE_CLIENT_ID", verr.Code)

	// Same client id under a different account is allowed.
	req.Account = "acct-2"
	_, err = m.CreateOrder(req)
	require.NoError(t, err)
}

func TestCreateOrderMaxOpenOrders(t *testing.T) {
	m := NewManager(Config{MaxOpenOrders: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := m.CreateOrder(limitRequest())
		require.NoError(t, err)
	}

	_, err := m.CreateOrder(limitRequest())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "MAX_OPEN_ORDERS", verr.Code)
}

func TestCreateOrderRateLimit(t *testing.T) {
	m := NewManager(Config{OrdersPerSecond: 1, OrderBurst: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := m.CreateOrder(limitRequest())
		require.NoError(t, err)
	}

	_, err := m.CreateOrder(limitRequest())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "RATE_LIMITED", verr.Code)
}

func TestLifecycleTransitions(t *testing.T) {
	m := testManager()
	order, err := m.CreateOrder(limitRequest())
	require.NoError(t, err)

	// Ack before submit is illegal.
	assert.False(t, m.MarkAcknowledged(order.OrderID))

	assert.True(t, m.MarkSubmitted(order.OrderID))
	assert.False(t, m.MarkSubmitted(order.OrderID), "repeat submit must be a no-op")
	assert.True(t, m.MarkAcknowledged(order.OrderID))

	got, ok := m.GetOrder(order.OrderID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusAcknowledged, got.Status)
	assert.NotNil(t, got.SubmittedAt)
	assert.NotNil(t, got.AcknowledgedAt)
}

func TestMarkRejectedIsTerminal(t *testing.T) {
	m := testManager()
	order, err := m.CreateOrder(limitRequest())
	require.NoError(t, err)
	require.True(t, m.MarkSubmitted(order.OrderID))

	assert.True(t, m.MarkRejected(order.OrderID, "insufficient margin"))
	assert.False(t, m.MarkAcknowledged(order.OrderID))

	got, _ := m.GetOrder(order.OrderID)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, "insufficient margin", got.CancelReason)
	assert.NotNil(t, got.CompletedAt)
}

func TestApplyFillPartialThenFull(t *testing.T) {
	m := testManager()
	order := workingOrder(t, m, limitRequest())

	require.NoError(t, m.ApplyFill(fillFor(order, "50000", "0.5", "1.0")))

	got, _ := m.GetOrder(order.OrderID)
	assert.Equal(t, domain.StatusPartiallyFilled, got.Status)
	assert.True(t, got.ExecutedQuantity.Equal(dec("0.5")))
	assert.True(t, got.RemainingQuantity.Equal(dec("1.5")))
	assert.NotNil(t, got.FirstFillAt)

	require.NoError(t, m.ApplyFill(fillFor(order, "50100", "1.5", "3.0")))

	got, _ = m.GetOrder(order.OrderID)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.True(t, got.RemainingQuantity.IsZero())
	assert.True(t, got.ExecutedQuantity.Add(got.RemainingQuantity).Equal(got.OriginalQuantity))
	assert.NotNil(t, got.CompletedAt)

	// VWAP: (50000*0.5 + 50100*1.5) / 2 = 50075
	assert.True(t, got.AveragePrice.Equal(dec("50075")), "got %s", got.AveragePrice)
	assert.True(t, got.TotalCommission.Equal(dec("4.0")))

	// Arrival order is preserved and sequenced.
	require.Len(t, got.Fills, 2)
	assert.Less(t, got.Fills[0].Sequence, got.Fills[1].Sequence)
}

func TestApplyFillBeforeAck(t *testing.T) {
	m := testManager()
	order, err := m.CreateOrder(limitRequest())
	require.NoError(t, err)

	err = m.ApplyFill(fillFor(order, "50000", "1", "1.0"))
	require.Error(t, err)

	got, _ := m.GetOrder(order.OrderID)
	assert.True(t, got.ExecutedQuantity.IsZero())
	assert.Empty(t, got.Fills)
}

func TestApplyFillUnknownOrder(t *testing.T) {
	m := testManager()

	err := m.ApplyFill(domain.OrderFill{OrderID: "nope", Price: dec("1"), Quantity: dec("1")})
	require.ErrorIs(t, err, ErrUnknownOrder)
	assert.Equal(t, uint64(1), m.Metrics().FillsDiscarded)
}

func TestCancelOrderIdempotent(t *testing.T) {
	m := testManager()
	order := workingOrder(t, m, limitRequest())

	assert.True(t, m.CancelOrder(order.OrderID, "user request"))
	assert.False(t, m.CancelOrder(order.OrderID, "again"), "second cancel is a no-op")
	assert.False(t, m.CancelOrder("missing", "whatever"))

	got, _ := m.GetOrder(order.OrderID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.Equal(t, "user request", got.CancelReason)
}

func TestCancelKeepsExecutedQuantity(t *testing.T) {
	m := testManager()
	order := workingOrder(t, m, limitRequest())
	require.NoError(t, m.ApplyFill(fillFor(order, "50000", "0.75", "1.5")))

	require.True(t, m.CancelOrder(order.OrderID, "partial exit"))

	got, _ := m.GetOrder(order.OrderID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.True(t, got.ExecutedQuantity.Equal(dec("0.75")))
	assert.True(t, got.RemainingQuantity.Equal(dec("1.25")))
}

func TestModifyOrder(t *testing.T) {
	m := testManager()
	order := workingOrder(t, m, limitRequest())
	require.NoError(t, m.ApplyFill(fillFor(order, "50000", "1", "2.0")))

	// Cannot shrink below the executed quantity.
	under := dec("0.5")
	assert.False(t, m.ModifyOrder(order.OrderID, Modifications{Quantity: &under}, "shrink"))

	newQty := dec("3")
	newPrice := dec("49500")
	assert.True(t, m.ModifyOrder(order.OrderID, Modifications{Quantity: &newQty, Price: &newPrice}, "resize"))

	got, _ := m.GetOrder(order.OrderID)
	assert.True(t, got.OriginalQuantity.Equal(dec("3")))
	assert.True(t, got.RemainingQuantity.Equal(dec("2")))
	assert.True(t, got.Price.Equal(dec("49500")))

	// Terminal orders cannot be modified.
	require.True(t, m.CancelOrder(order.OrderID, "done"))
	assert.False(t, m.ModifyOrder(order.OrderID, Modifications{Price: &newPrice}, "late"))
}

func TestQueries(t *testing.T) {
	m := testManager()

	reqA := limitRequest()
	reqA.ClientOrderID = "cli-a"
	orderA, err := m.CreateOrder(reqA)
	require.NoError(t, err)

	reqB := limitRequest()
	reqB.Symbol = "ETHUSDT"
	reqB.Account = "acct-2"
	orderB, err := m.CreateOrder(reqB)
	require.NoError(t, err)

	bySym := m.GetOrdersBySymbol("BTCUSDT")
	require.Len(t, bySym, 1)
	assert.Equal(t, orderA.OrderID, bySym[0].OrderID)

	byAcct := m.GetOrdersByAccount("acct-2")
	require.Len(t, byAcct, 1)
	assert.Equal(t, orderB.OrderID, byAcct[0].OrderID)

	byClient, ok := m.GetOrderByClientID("acct-1", "cli-a")
	require.True(t, ok)
	assert.Equal(t, orderA.OrderID, byClient.OrderID)

	_, ok = m.GetOrderByClientID("acct-2", "cli-a")
	assert.False(t, ok)

	assert.Len(t, m.GetOpenOrders(), 2)
	require.True(t, m.CancelOrder(orderA.OrderID, "cleanup"))
	assert.Len(t, m.GetOpenOrders(), 1)
}

func TestSearchHistory(t *testing.T) {
	m := testManager()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var created []domain.Order
	for i := 0; i < 6; i++ {
		req := limitRequest()
		if i%2 == 1 {
			req.Symbol = "ETHUSDT"
		}
		o, err := m.CreateOrder(req)
		require.NoError(t, err)
		created = append(created, o)
	}

	all := m.SearchHistory(HistoryFilter{})
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "history must be time ordered")
	}

	eth := m.SearchHistory(HistoryFilter{Symbol: "ETHUSDT"})
	assert.Len(t, eth, 3)

	ranged := m.SearchHistory(HistoryFilter{
		From: created[2].CreatedAt,
		To:   created[4].CreatedAt,
	})
	require.Len(t, ranged, 2)
	assert.Equal(t, created[2].OrderID, ranged[0].OrderID)
	assert.Equal(t, created[3].OrderID, ranged[1].OrderID)

	page := m.SearchHistory(HistoryFilter{Limit: 2, Offset: 2})
	require.Len(t, page, 2)
	assert.Equal(t, created[2].OrderID, page[0].OrderID)
	assert.Equal(t, created[3].OrderID, page[1].OrderID)
}

func TestMetrics(t *testing.T) {
	m := testManager()

	order := workingOrder(t, m, limitRequest())
	require.NoError(t, m.ApplyFill(fillFor(order, "50000", "2", "4.0")))

	bad := limitRequest()
	bad.Quantity = decimal.Zero
	_, err := m.CreateOrder(bad)
	require.Error(t, err)

	other, err := m.CreateOrder(limitRequest())
	require.NoError(t, err)
	require.True(t, m.CancelOrder(other.OrderID, "cleanup"))

	snap := m.Metrics()
	assert.Equal(t, uint64(2), snap.OrdersCreated)
	assert.Equal(t, uint64(1), snap.OrdersRejected)
	assert.Equal(t, uint64(1), snap.OrdersFilled)
	assert.Equal(t, uint64(1), snap.OrdersCanceled)
	assert.Equal(t, uint64(1), snap.FillsApplied)
	assert.Equal(t, 0, snap.OpenOrders)
	assert.InDelta(t, 0.5, snap.FillRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, snap.RejectionRate, 1e-9)
	assert.Contains(t, snap.Latency, "validation")
	assert.Contains(t, snap.Latency, "complete")
}

type recordingArchiver struct {
	mu     sync.Mutex
	orders []domain.Order
	done   chan struct{}
}

func (a *recordingArchiver) ArchiveOrder(_ context.Context, order domain.Order) error {
	a.mu.Lock()
	a.orders = append(a.orders, order)
	a.mu.Unlock()
	close(a.done)
	return nil
}

func TestTerminalOrderArchived(t *testing.T) {
	arch := &recordingArchiver{done: make(chan struct{})}
	m := NewManager(Config{}, arch)

	order := workingOrder(t, m, limitRequest())
	require.NoError(t, m.ApplyFill(fillFor(order, "50000", "2", "4.0")))

	select {
	case <-arch.done:
	case <-time.After(2 * time.Second):
		t.Fatal("archive hook never ran")
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Len(t, arch.orders, 1)
	assert.Equal(t, order.OrderID, arch.orders[0].OrderID)
	assert.Equal(t, domain.StatusFilled, arch.orders[0].Status)
}

func TestConcurrentFillsKeepInvariants(t *testing.T) {
	m := testManager()
	req := limitRequest()
	req.Quantity = dec("100")
	req.Price = dec("10")
	order := workingOrder(t, m, req)

	const workers = 10
	const fillsPerWorker = 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < fillsPerWorker; i++ {
				_ = m.ApplyFill(fillFor(order, "10", "1", "0.01"))
			}
		}()
	}
	wg.Wait()

	got, _ := m.GetOrder(order.OrderID)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.True(t, got.ExecutedQuantity.Add(got.RemainingQuantity).Equal(got.OriginalQuantity),
		fmt.Sprintf("executed %s + remaining %s != original %s",
			got.ExecutedQuantity, got.RemainingQuantity, got.OriginalQuantity))
	require.Len(t, got.Fills, workers*fillsPerWorker)

	seen := make(map[uint64]bool, len(got.Fills))
	for _, f := range got.Fills {
		assert.False(t, seen[f.Sequence], "duplicate fill sequence %d", f.Sequence)
		seen[f.Sequence] = true
	}
}
