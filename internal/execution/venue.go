// Package execution is the boundary between the order manager and
// trading venues. A Venue accepts working orders and reports fills
// back through the manager.
package execution

import (
	"context"

	"tradecore/internal/domain"
)

// Venue is the minimal surface an execution destination must provide.
type Venue interface {
	Name() string

	// SubmitOrder hands a validated order to the venue. The venue
	// reports lifecycle progress through the order manager.
	SubmitOrder(ctx context.Context, order domain.Order) error

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, orderID string) error
}
