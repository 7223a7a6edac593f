// Package settlement reconciles orders with payment-gateway callbacks and
// decrements stock when an order is paid.
package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/stock"
)

// SystemActor is the actor recorded on movements written by webhook
// settlements.
const SystemActor = "system:settlement"

// MapStatus translates a gateway transaction status into an order status.
func MapStatus(external string) (order.Status, error) {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "settlement", "capture":
		return order.StatusPaid, nil
	case "pending":
		return order.StatusPending, nil
	case "cancel", "deny", "expire":
		return order.StatusCancelled, nil
	default:
		return "", failure.Validation("unknown payment status %q", external)
	}
}

// EventKind names a settlement outcome.
type EventKind string

const (
	EventPaid      EventKind = "order.paid"
	EventCancelled EventKind = "order.cancelled"
	EventOversold  EventKind = "order.oversold"
)

// Event is published after a settlement outcome is committed.
type Event struct {
	Kind        EventKind
	OrderNumber string
	StoreID     string
	UserID      string
	Total       decimal.Decimal
	Note        string
	At          time.Time
}

// Publisher delivers settlement events. Delivery is best effort; a failed
// publish never undoes a settlement.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Ledger is the part of the stock ledger used at settlement.
type Ledger interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
	Apply(ctx context.Context, reqs ...stock.MovementRequest) ([]stock.Balance, error)
}
