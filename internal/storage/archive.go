// Package storage persists terminal orders to SQLite for audit and
// history queries that outlive the process.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

var ErrArchiveUnavailable = errors.New("order archive unavailable")

// OrderArchive stores completed orders and their fills in SQLite.
// Writes run behind a circuit breaker so a sick disk cannot stall the
// order path.
type OrderArchive struct {
	db      *sql.DB
	breaker *infra.CircuitBreaker
}

// NewOrderArchive opens (creating if needed) the archive database with
// WAL mode enabled.
func NewOrderArchive(dbPath string) (*OrderArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			symbol TEXT NOT NULL,
			venue TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account);
		CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
		CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			fill_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			commission TEXT NOT NULL,
			liquidity TEXT NOT NULL,
			ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create fills table: %w", err)
	}

	return &OrderArchive{
		db:      db,
		breaker: infra.NewCircuitBreaker("order-archive", 5, 2, 30*time.Second),
	}, nil
}

// ArchiveOrder writes one terminal order and its fills in a single
// transaction. Re-archiving the same order id replaces the prior row.
func (a *OrderArchive) ArchiveOrder(ctx context.Context, order domain.Order) error {
	if !a.breaker.Allow() {
		return ErrArchiveUnavailable
	}

	if err := a.archiveTx(ctx, order); err != nil {
		a.breaker.RecordFailure()
		return err
	}
	a.breaker.RecordSuccess()
	return nil
}

func (a *OrderArchive) archiveTx(ctx context.Context, order domain.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	completedAt := order.UpdatedAt
	if order.CompletedAt != nil {
		completedAt = *order.CompletedAt
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, account, symbol, venue, status, created_at, completed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status=excluded.status, completed_at=excluded.completed_at, payload=excluded.payload`,
		order.OrderID, order.Account, order.Symbol, order.Venue, string(order.Status),
		order.CreatedAt.UnixMilli(), completedAt.UnixMilli(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM fills WHERE order_id = ?", order.OrderID); err != nil {
		return fmt.Errorf("failed to clear fills: %w", err)
	}
	for _, f := range order.Fills {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fills (fill_id, order_id, seq, price, quantity, commission, liquidity, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FillID, order.OrderID, f.Sequence, f.Price.String(), f.Quantity.String(),
			f.Commission.String(), string(f.Liquidity), f.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert fill %s: %w", f.FillID, err)
		}
	}

	return tx.Commit()
}

// LoadOrder reads one archived order back. Returns sql.ErrNoRows when
// the order was never archived.
func (a *OrderArchive) LoadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx,
		"SELECT payload FROM orders WHERE order_id = ?", orderID).Scan(&payload)
	if err != nil {
		return domain.Order{}, err
	}

	var order domain.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return domain.Order{}, fmt.Errorf("failed to unmarshal order %s: %w", orderID, err)
	}
	return order, nil
}

// LoadOrdersByAccount reads every archived order for an account, oldest
// first.
func (a *OrderArchive) LoadOrdersByAccount(ctx context.Context, account string) ([]domain.Order, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT payload FROM orders WHERE account = ? ORDER BY created_at ASC", account)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var order domain.Order
		if err := json.Unmarshal(payload, &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// PruneBefore deletes archived orders completed before the cutoff,
// returning how many were removed. Fills go with them via cascade.
func (a *OrderArchive) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		"DELETE FROM orders WHERE completed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune orders: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (a *OrderArchive) Close() error {
	return a.db.Close()
}
