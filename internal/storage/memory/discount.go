package memory

import (
	"context"
	"time"

	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/failure"
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository.
type DiscountRepository struct {
	db *DB
}

// NewDiscountRepository returns a DiscountRepository over db.
func NewDiscountRepository(db *DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

func (r *DiscountRepository) ListForProduct(_ context.Context, storeID, productID string) ([]discount.Discount, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []discount.Discount
	for _, d := range r.db.discounts {
		if d.StoreID == storeID && d.ProductID == productID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *DiscountRepository) GetByID(_ context.Context, id string) (*discount.Discount, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	d, ok := r.db.discounts[id]
	if !ok {
		return nil, discount.ErrNotFound
	}
	return &d, nil
}

func (r *DiscountRepository) Create(ctx context.Context, d discount.Discount) error {
	return r.db.write(ctx, func() (func(), error) {
		if _, ok := r.db.discounts[d.ID]; ok {
			return nil, failure.Conflict("discount %s already exists", d.ID)
		}
		r.db.discounts[d.ID] = d
		return func() { delete(r.db.discounts, d.ID) }, nil
	})
}

func (r *DiscountRepository) Retire(ctx context.Context, id string, at time.Time) error {
	return r.db.write(ctx, func() (func(), error) {
		prev, ok := r.db.discounts[id]
		if !ok {
			return nil, discount.ErrNotFound
		}
		next := prev
		next.State = discount.Retired
		next.RetiredAt = &at
		r.db.discounts[id] = next
		return func() { r.db.discounts[id] = prev }, nil
	})
}

func (r *DiscountRepository) AppendUsage(ctx context.Context, usages ...discount.Usage) error {
	return r.db.write(ctx, func() (func(), error) {
		n := len(r.db.usages)
		r.db.usages = append(r.db.usages, usages...)
		return func() { r.db.usages = r.db.usages[:n] }, nil
	})
}

// Usages returns the usage trail of a discount.
func (r *DiscountRepository) Usages(discountID string) []discount.Usage {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []discount.Usage
	for _, u := range r.db.usages {
		if u.DiscountID == discountID {
			out = append(out, u)
		}
	}
	return out
}
