// Package discount prices a product against its promotional discount and
// keeps the append-only usage audit trail.
package discount

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/failure"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// Percentage takes Value percent off each unit, optionally capped by
	// MaxDiscountCap.
	Percentage Type = "PERCENTAGE"
	// Fixed takes Value off each unit. The amount is per unit, not per order,
	// and is not scaled or split by quantity.
	Fixed Type = "FIXED"
)

// State is the lifecycle of a discount. Active → Retired is one-way; retired
// discounts are kept for usage reporting.
type State string

const (
	Active  State = "ACTIVE"
	Retired State = "RETIRED"
)

// Policy decides which discount wins when several are active for a product.
type Policy string

const (
	// PolicyLatest selects the most recently created discount.
	PolicyLatest Policy = "latest"
	// PolicyFirst selects the earliest created discount.
	PolicyFirst Policy = "first"
)

// ErrNotFound is returned when a requested discount does not exist.
var ErrNotFound = &failure.Error{Kind: failure.ErrNotFound, Message: "discount not found"}

// Discount is a promotion scoped to one (store, product) pair.
type Discount struct {
	ID             string
	StoreID        string
	ProductID      string
	Type           Type
	Value          decimal.Decimal
	MinPurchase    decimal.Decimal
	MaxDiscountCap decimal.Decimal
	StartDate      time.Time
	EndDate        time.Time
	State          State
	RetiredAt      *time.Time
	CreatedAt      time.Time
}

// ActiveAt reports whether d is live at t.
func (d *Discount) ActiveAt(t time.Time) bool {
	if d.State != Active {
		return false
	}
	if t.Before(d.StartDate) {
		return false
	}
	return d.EndDate.IsZero() || !t.After(d.EndDate)
}

// Usage is one audit row per order line a discount applied to.
type Usage struct {
	ID          string
	DiscountID  string
	OrderNumber string
	UserID      string
	ProductID   string
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

// Repository provides discount definitions and the usage trail.
type Repository interface {
	// ListForProduct returns every discount of the pair regardless of state.
	ListForProduct(ctx context.Context, storeID, productID string) ([]Discount, error)
	GetByID(ctx context.Context, id string) (*Discount, error)
	Create(ctx context.Context, d Discount) error
	// Retire marks the discount retired at the given time. It returns
	// ErrNotFound for unknown ids.
	Retire(ctx context.Context, id string, at time.Time) error
	AppendUsage(ctx context.Context, usages ...Usage) error
}
