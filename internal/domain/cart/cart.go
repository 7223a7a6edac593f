// Package cart keeps each user's draft order. It reads stock balances to
// validate quantities but never moves stock.
package cart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/stock"
)

var (
	// ErrNotFound is returned when a user has no cart or a cart id is unknown.
	ErrNotFound = &failure.Error{Kind: failure.ErrNotFound, Message: "cart not found"}
	// ErrLineNotFound is returned when a line is not part of the user's cart.
	ErrLineNotFound = &failure.Error{Kind: failure.ErrNotFound, Message: "cart line not found"}
)

// Cart is a user's draft order. All lines of a cart belong to one store, the
// shipping origin; StoreID is empty while the cart has no lines.
type Cart struct {
	ID        string
	UserID    string
	StoreID   string
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line is one product in a cart. The price and weight are snapshotted when
// the line is added.
type Line struct {
	ID                string
	ProductID         string
	Quantity          int64
	UnitPriceSnapshot decimal.Decimal
	WeightGrams       int64
}

// Line returns the line with the given id.
func (c *Cart) Line(id string) (Line, bool) {
	for _, l := range c.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

// LineFor returns the line holding productID.
func (c *Cart) LineFor(productID string) (Line, bool) {
	for _, l := range c.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return Line{}, false
}

// Subtotal sums the snapshotted line prices.
func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range c.Lines {
		sum = sum.Add(l.UnitPriceSnapshot.Mul(decimal.NewFromInt(l.Quantity)))
	}
	return sum
}

// Repository persists carts. One cart exists per user.
type Repository interface {
	// GetByUser returns ErrNotFound when the user has no cart yet.
	GetByUser(ctx context.Context, userID string) (*Cart, error)
	GetByID(ctx context.Context, id string) (*Cart, error)
	// Create returns a failure.ErrConflict error when the user already has a
	// cart.
	Create(ctx context.Context, c Cart) error
	// SaveLine inserts or replaces a line and pins the cart to storeID.
	SaveLine(ctx context.Context, cartID, storeID string, l Line) error
	DeleteLine(ctx context.Context, cartID, lineID string) error
	// Clear removes every line and unpins the store.
	Clear(ctx context.Context, cartID string) error
}

// StockReader reads available stock.
type StockReader interface {
	GetBalance(ctx context.Context, key stock.Key) (int64, error)
}

// Locker serializes work on a key. Lock returns a failure.ErrConflict error
// when the key stays held elsewhere.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context), err error)
}

// LockKey is the lock shared by cart edits and checkout of cartID.
func LockKey(cartID string) string {
	return "checkout:" + cartID
}
