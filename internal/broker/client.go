package broker

import (
	"context"
	"errors"
)

var (
	// ErrOrderNotFound is returned when the broker has no order for an id.
	ErrOrderNotFound = errors.New("broker: order not found")
)

// Client is the surface the recovery engine needs from a brokerage. Every
// call is bounded by its context; implementations must not retry internally,
// the next scan cycle is the retry mechanism.
type Client interface {
	GetAccount(ctx context.Context) (*Account, error)
	ListOpenPositions(ctx context.Context) ([]Position, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// ListOrders returns recent orders filtered by status ("open", "closed"
	// or "all"), newest first, at most limit entries.
	ListOrders(ctx context.Context, status string, limit int) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// GetLatestPrice returns the latest trade price for a symbol. The
	// watchdog recomputes protective levels from it.
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}
