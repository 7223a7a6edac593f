package product

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/failure"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = &failure.Error{Kind: failure.ErrNotFound, Message: "product not found"}

// State is the lifecycle of a catalog entry. Active → Retired is one-way;
// retired products stay readable for order history but cannot be added to a
// cart.
type State string

const (
	Active  State = "ACTIVE"
	Retired State = "RETIRED"
)

// Product represents a catalog item sold by one store.
type Product struct {
	ID          string
	StoreID     string
	Name        string
	Category    string
	Price       decimal.Decimal
	WeightGrams int64
	State       State
	Image       Image
	CreatedAt   time.Time
}

// Image holds responsive image URLs for a product.
type Image struct {
	Thumbnail string
	Mobile    string
	Tablet    string
	Desktop   string
}

// Filter is one typed dimension of a catalog query. Filters passed
// together are combined with AND.
type Filter interface {
	Matches(p Product) bool
}

// InStore keeps products sold by the store.
type InStore struct{ StoreID string }

func (s InStore) Matches(p Product) bool { return p.StoreID == s.StoreID }

// InCategory keeps products of the category.
type InCategory struct{ Category string }

func (s InCategory) Matches(p Product) bool { return strings.EqualFold(p.Category, s.Category) }

// PriceBetween keeps products priced within [Min, Max]. A zero Max leaves the
// range open at the top.
type PriceBetween struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (s PriceBetween) Matches(p Product) bool {
	if p.Price.LessThan(s.Min) {
		return false
	}
	return s.Max.IsZero() || p.Price.LessThanOrEqual(s.Max)
}

// NameContains keeps products whose name contains Text, case-insensitively.
type NameContains struct{ Text string }

func (s NameContains) Matches(p Product) bool {
	return strings.Contains(strings.ToLower(p.Name), strings.ToLower(s.Text))
}

// OnlyActive keeps products that are not retired.
type OnlyActive struct{}

func (OnlyActive) Matches(p Product) bool { return p.State == Active }

// MatchesAll reports whether p satisfies every filter.
func MatchesAll(p Product, filters ...Filter) bool {
	for _, s := range filters {
		if !s.Matches(p) {
			return false
		}
	}
	return true
}

// Repository defines operations on the product catalog.
type Repository interface {
	List(ctx context.Context, filters ...Filter) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	Save(ctx context.Context, p Product) error
}
