package memory

import (
	"context"
	"slices"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository over db.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	stored := cloneOrder(*o)
	return r.db.write(ctx, func() (func(), error) {
		if _, ok := r.db.orders[stored.OrderNumber]; ok {
			return nil, failure.Conflict("order %s already exists", stored.OrderNumber)
		}
		r.db.orders[stored.OrderNumber] = stored
		return func() { delete(r.db.orders, stored.OrderNumber) }, nil
	})
}

func (r *OrderRepository) GetByNumber(_ context.Context, orderNumber string) (*order.Order, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	o, ok := r.db.orders[orderNumber]
	if !ok {
		return nil, order.ErrNotFound
	}
	out := cloneOrder(o)
	return &out, nil
}

func (r *OrderRepository) Update(ctx context.Context, expectedVersion int64, o *order.Order) error {
	next := cloneOrder(*o)
	return r.db.write(ctx, func() (func(), error) {
		prev, ok := r.db.orders[next.OrderNumber]
		if !ok {
			return nil, order.ErrNotFound
		}
		if prev.Version != expectedVersion {
			return nil, failure.ErrVersionConflict
		}

		updated := prev
		updated.Status = next.Status
		updated.Review = next.Review
		updated.ReviewNote = next.ReviewNote
		updated.IsDone = next.IsDone
		updated.PaidAt = next.PaidAt
		updated.UpdatedAt = next.UpdatedAt
		updated.Version = next.Version
		r.db.orders[next.OrderNumber] = updated
		return func() { r.db.orders[next.OrderNumber] = prev }, nil
	})
}

func (r *OrderRepository) ListForReview(_ context.Context, storeID string) ([]order.Order, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []order.Order
	for _, o := range r.db.orders {
		if storeID != "" && o.StoreID != storeID {
			continue
		}
		if o.Status != order.StatusPending {
			continue
		}
		if o.Review == order.ReviewOversold || o.PaymentMethod == order.PaymentManual {
			out = append(out, cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func cloneOrder(o order.Order) order.Order {
	o.Lines = slices.Clone(o.Lines)
	return o
}
