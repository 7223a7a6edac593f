package order

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/discount"
)

// SessionItem is one line item sent to the payment gateway.
type SessionItem struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int64
}

// Customer identifies the buyer to the payment gateway.
type Customer struct {
	UserID    string
	AddressID string
}

// SessionRequest asks the payment gateway for a checkout session.
type SessionRequest struct {
	OrderNumber string
	Amount      decimal.Decimal
	LineItems   []SessionItem
	Customer    Customer
}

// PaymentSessions creates payment sessions on the gateway.
type PaymentSessions interface {
	CreateSession(ctx context.Context, req SessionRequest) (token string, err error)
}

// QuoteRequest asks the carrier-rate service for shipping options.
type QuoteRequest struct {
	OriginID      string
	DestinationID string
	WeightGrams   int64
	Value         decimal.Decimal
}

// Rate is one shipping option.
type Rate struct {
	Carrier string
	Service string
	Cost    decimal.Decimal
	ETA     string
}

// ShippingQuoter looks up carrier rates.
type ShippingQuoter interface {
	Quote(ctx context.Context, req QuoteRequest) ([]Rate, error)
}

// ProofStore keeps uploaded payment proofs and returns their public URL.
type ProofStore interface {
	Store(ctx context.Context, name string, data []byte, contentType string) (url string, err error)
}

// Locker serializes work on a key across processes. Lock returns a
// failure.ErrConflict error when the key is held elsewhere.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context), err error)
}

// Transactor runs a function inside one storage transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Discounts evaluates and records discounts.
type Discounts interface {
	EvaluateFor(ctx context.Context, storeID, productID string, unitPrice decimal.Decimal, quantity int64) (discount.Evaluation, error)
	RecordUsage(ctx context.Context, usages ...discount.Usage) error
}

// NopLocker never blocks. It is used when Deps leave Locker unset.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(context.Context), error) {
	return func(context.Context) {}, nil
}
