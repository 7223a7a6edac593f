// Package stock implements the per-store inventory ledger: one balance per
// (store, product) pair and an append-only journal of signed movements whose
// deltas always sum to the balance.
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/grocer/internal/domain/failure"
)

// Reason classifies a stock movement.
type Reason string

const (
	// ReasonAdd records stock entering the ledger for the first time, or a
	// retired balance being re-activated.
	ReasonAdd Reason = "ADD"
	// ReasonRestock records a delivery increasing an existing balance.
	ReasonRestock Reason = "RESTOCK"
	// ReasonSale records stock leaving at settlement or retirement.
	ReasonSale Reason = "SALE"
	// ReasonAdjustment records a stock-take correction of either sign.
	ReasonAdjustment Reason = "ADJUSTMENT"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonAdd, ReasonRestock, ReasonSale, ReasonAdjustment:
		return true
	default:
		return false
	}
}

// Lifecycle is the two-state lifecycle of a balance row.
//
// Active → Retired happens through Ledger.Retire and forces the quantity to 0.
// Retired → Active happens only through an ADD movement. Rows are never
// deleted while movements reference them.
type Lifecycle string

const (
	Active  Lifecycle = "ACTIVE"
	Retired Lifecycle = "RETIRED"
)

// Key identifies a balance.
type Key struct {
	StoreID   string
	ProductID string
}

func (k Key) String() string {
	return k.StoreID + "/" + k.ProductID
}

// Less orders keys by store then product. Writers touching several balances
// update them in this order.
func (k Key) Less(other Key) bool {
	if k.StoreID != other.StoreID {
		return k.StoreID < other.StoreID
	}
	return k.ProductID < other.ProductID
}

// Balance is the authoritative stock count of one product at one store.
type Balance struct {
	Key
	Quantity int64
	State    Lifecycle
	// Version is incremented on every write. Zero means the row does not
	// exist yet.
	Version   int64
	UpdatedAt time.Time
}

// Movement is one immutable journal entry.
type Movement struct {
	ID           string
	Key          Key
	Delta        int64
	Reason       Reason
	ActorID      string
	WeightGrams  int64
	BalanceAfter int64
	Reference    string
	CreatedAt    time.Time
}

// MovementRequest describes a movement to record.
type MovementRequest struct {
	Key     Key
	Delta   int64
	Reason  Reason
	ActorID string
	// WeightGrams is the unit weight of the product at the time of the
	// movement, kept on the journal entry as a snapshot.
	WeightGrams int64
	// Reference links the movement to its cause, e.g. an order number.
	Reference string
	// Target, when set on an ADJUSTMENT, is the counted quantity. Delta is
	// then derived from the balance read under the same version check.
	Target *int64
}

// ErrBalanceNotFound is returned by repositories when no balance row exists.
var ErrBalanceNotFound = &failure.Error{Kind: failure.ErrNotFound, Message: "stock balance not found"}

// InsufficientStockError reports a movement that would drive a balance below
// zero.
type InsufficientStockError struct {
	Key       Key
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.Key, e.Requested, e.Available)
}

// Is reports failure.ErrInsufficientStock as the kind of e.
func (e *InsufficientStockError) Is(target error) bool {
	return target == failure.ErrInsufficientStock
}

// Repository persists balances and the movement journal.
//
// Writes made through a context returned by Transactor.WithinTx become
// visible together when the transaction commits, or not at all.
type Repository interface {
	// GetBalance returns ErrBalanceNotFound when no row exists.
	GetBalance(ctx context.Context, key Key) (*Balance, error)
	// PutBalance writes b if the stored version equals expectedVersion
	// (zero meaning "must not exist"). It returns failure.ErrVersionConflict
	// otherwise.
	PutBalance(ctx context.Context, expectedVersion int64, b Balance) error
	AppendMovement(ctx context.Context, m Movement) error
	// ListMovements returns the journal of key, oldest first. A positive
	// limit keeps only the most recent entries.
	ListMovements(ctx context.Context, key Key, limit int) ([]Movement, error)
}

// Transactor runs a function inside one storage transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
