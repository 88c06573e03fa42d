package orders

import (
	"sort"
	"time"

	"github.com/tidwall/btree"

	"tradecore/internal/domain"
)

// historyKey orders the history index by creation time, with the order
// id as tiebreaker so distinct orders created in the same nanosecond
// both survive.
type historyKey struct {
	createdAt time.Time
	orderID   string
}

func historyLess(a, b historyKey) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.orderID < b.orderID
}

// historyIndex is a time-ordered index over every order ever created,
// backing range scans for SearchHistory. Guarded by the manager lock.
type historyIndex struct {
	tree *btree.BTreeG[historyKey]
}

func newHistoryIndex() *historyIndex {
	return &historyIndex{tree: btree.NewBTreeG(historyLess)}
}

func (h *historyIndex) insert(createdAt time.Time, orderID string) {
	h.tree.Set(historyKey{createdAt: createdAt, orderID: orderID})
}

// scan walks keys in [from, to) in ascending time order. A zero "to"
// means unbounded. The visitor returns false to stop.
func (h *historyIndex) scan(from, to time.Time, visit func(orderID string) bool) {
	pivot := historyKey{createdAt: from}
	h.tree.Ascend(pivot, func(k historyKey) bool {
		if !to.IsZero() && !k.createdAt.Before(to) {
			return false
		}
		return visit(k.orderID)
	})
}

// HistoryFilter narrows a SearchHistory scan. Zero fields match
// everything.
type HistoryFilter struct {
	Symbol  string
	Account string
	Venue   string
	Side    domain.OrderSide
	Status  domain.OrderStatus
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

func (f HistoryFilter) matches(o *domain.Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Account != "" && o.Account != f.Account {
		return false
	}
	if f.Venue != "" && o.Venue != f.Venue {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}

// GetOrder returns a snapshot of one order.
func (m *Manager) GetOrder(orderID string) (domain.Order, bool) {
	e, ok := m.entry(orderID)
	if !ok {
		return domain.Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Snapshot(), true
}

// GetOrderByClientID resolves an account-scoped client order id.
func (m *Manager) GetOrderByClientID(account, clientOrderID string) (domain.Order, bool) {
	m.mu.RLock()
	orderID, ok := m.byClient[account+"/"+clientOrderID]
	m.mu.RUnlock()
	if !ok {
		return domain.Order{}, false
	}
	return m.GetOrder(orderID)
}

// GetOrdersBySymbol returns snapshots of every order for a symbol,
// newest first.
func (m *Manager) GetOrdersBySymbol(symbol string) []domain.Order {
	return m.collect(m.idsFor(m.bySymbol, symbol))
}

// GetOrdersByAccount returns snapshots of every order for an account,
// newest first.
func (m *Manager) GetOrdersByAccount(account string) []domain.Order {
	return m.collect(m.idsFor(m.byAccount, account))
}

// GetOpenOrders returns snapshots of every non-terminal order, newest
// first.
func (m *Manager) GetOpenOrders() []domain.Order {
	m.mu.RLock()
	ids := make([]string, 0, m.openCount)
	for id := range m.orders {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := m.collect(ids)
	open := out[:0]
	for _, o := range out {
		if o.IsOpen() {
			open = append(open, o)
		}
	}
	return open
}

// SearchHistory scans the time-ordered index applying the filter, with
// offset/limit pagination. Results come back oldest first.
func (m *Manager) SearchHistory(filter HistoryFilter) []domain.Order {
	m.mu.RLock()
	var ids []string
	m.history.scan(filter.From, filter.To, func(orderID string) bool {
		ids = append(ids, orderID)
		return true
	})
	m.mu.RUnlock()

	var out []domain.Order
	skipped := 0
	for _, id := range ids {
		e, ok := m.entry(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		match := filter.matches(&e.order)
		var snap domain.Order
		if match {
			snap = e.order.Snapshot()
		}
		e.mu.Unlock()

		if !match {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, snap)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (m *Manager) idsFor(index map[string]map[string]struct{}, key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := index[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) collect(ids []string) []domain.Order {
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := m.GetOrder(id); ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
