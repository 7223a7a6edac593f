// Package order converts carts into orders and owns the order state machine.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/failure"
)

// ErrNotFound is returned when an order does not exist or is not visible to
// the caller.
var ErrNotFound = &failure.Error{Kind: failure.ErrNotFound, Message: "order not found"}

// Status is the payment status of an order.
//
//	PENDING → PAID
//	PENDING → CANCELLED
//
// PAID and CANCELLED are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order cannot move from %s to %s", e.From, e.To)
}

// Is reports failure.ErrConflict as the kind of e.
func (e *TransitionError) Is(target error) bool {
	return target == failure.ErrConflict
}

// Transition reports whether moving from s to target changes anything. Moving
// to the current status is a no-op; leaving a terminal status is a
// TransitionError.
func (s Status) Transition(target Status) (bool, error) {
	if s == target {
		return false, nil
	}
	if s == StatusPending && (target == StatusPaid || target == StatusCancelled) {
		return true, nil
	}
	return false, &TransitionError{From: s, To: target}
}

// Review flags an order for manual attention. It is orthogonal to Status and
// only set while the order is PENDING.
type Review string

const (
	ReviewNone     Review = "NONE"
	ReviewOversold Review = "OVERSOLD"
)

// PaymentMethod selects between an automated gateway session and a manual
// transfer confirmed by an admin from an uploaded proof.
type PaymentMethod string

const (
	PaymentGateway PaymentMethod = "GATEWAY"
	PaymentManual  PaymentMethod = "MANUAL"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentGateway || m == PaymentManual
}

// Shipping is the carrier option the order ships with.
type Shipping struct {
	Carrier string
	Service string
	ETA     string
}

// Order is a checked-out cart. Totals and lines are immutable; only the
// status, review flag and fulfillment flag change after creation.
type Order struct {
	ID                  string
	OrderNumber         string
	UserID              string
	StoreID             string
	AddressID           string
	Lines               []Line
	Subtotal            decimal.Decimal
	DiscountTotal       decimal.Decimal
	ShippingTotal       decimal.Decimal
	Total               decimal.Decimal
	Status              Status
	Review              Review
	ReviewNote          string
	IsDone              bool
	PaymentMethod       PaymentMethod
	Shipping            Shipping
	PaymentSessionToken string
	PaymentProofURL     string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaidAt              *time.Time
}

// Line is an immutable snapshot of one purchased product.
type Line struct {
	ProductID         string
	Name              string
	UnitPrice         decimal.Decimal
	OriginalUnitPrice decimal.Decimal
	DiscountID        string
	DiscountPerUnit   decimal.Decimal
	Quantity          int64
	LineTotal         decimal.Decimal
	WeightGrams       int64
}

// TotalWeight returns the shipped weight of the order in grams.
func (o *Order) TotalWeight() int64 {
	var w int64
	for _, l := range o.Lines {
		w += l.WeightGrams * l.Quantity
	}
	return w
}

// MarkPaid moves a pending order to PAID and clears any review flag.
func (o *Order) MarkPaid(at time.Time) error {
	changed, err := o.Status.Transition(StatusPaid)
	if err != nil || !changed {
		return err
	}
	o.Status = StatusPaid
	o.Review = ReviewNone
	o.ReviewNote = ""
	o.PaidAt = &at
	o.UpdatedAt = at
	return nil
}

// Cancel moves a pending order to CANCELLED.
func (o *Order) Cancel(at time.Time) error {
	changed, err := o.Status.Transition(StatusCancelled)
	if err != nil || !changed {
		return err
	}
	o.Status = StatusCancelled
	o.UpdatedAt = at
	return nil
}

// FlagOversold marks a pending order for manual review.
func (o *Order) FlagOversold(note string, at time.Time) error {
	if o.Status != StatusPending {
		return &TransitionError{From: o.Status, To: StatusPending}
	}
	o.Review = ReviewOversold
	o.ReviewNote = note
	o.UpdatedAt = at
	return nil
}

// MarkDone sets the fulfillment flag of a paid order.
func (o *Order) MarkDone(at time.Time) error {
	if o.Status != StatusPaid {
		return failure.Conflict("order %s is %s; only paid orders can be fulfilled", o.OrderNumber, o.Status)
	}
	o.IsDone = true
	o.UpdatedAt = at
	return nil
}

// Repository persists orders.
type Repository interface {
	// Create stores the order with its lines. A duplicate order number is a
	// failure.ErrConflict error.
	Create(ctx context.Context, o *Order) error
	GetByNumber(ctx context.Context, orderNumber string) (*Order, error)
	// Update writes the mutable fields of o if the stored version equals
	// expectedVersion, returning failure.ErrVersionConflict otherwise.
	Update(ctx context.Context, expectedVersion int64, o *Order) error
	// ListForReview returns pending orders flagged oversold or awaiting
	// manual payment confirmation, oldest first. An empty storeID lists
	// every store.
	ListForReview(ctx context.Context, storeID string) ([]Order, error)
}
