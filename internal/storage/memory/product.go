package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/xenking/grocer/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository.
type ProductRepository struct {
	db *DB
}

// NewProductRepository returns a ProductRepository over db.
func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// List returns the products matching every filter ordered by ID.
func (r *ProductRepository) List(_ context.Context, filters ...product.Filter) ([]product.Product, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []product.Product
	for _, p := range r.db.products {
		if product.MatchesAll(p, filters...) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b product.Product) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *ProductRepository) GetByID(_ context.Context, id string) (*product.Product, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	p, ok := r.db.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (r *ProductRepository) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.db.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *ProductRepository) Save(ctx context.Context, p product.Product) error {
	return r.db.write(ctx, func() (func(), error) {
		prev, existed := r.db.products[p.ID]
		r.db.products[p.ID] = p
		return func() {
			if existed {
				r.db.products[p.ID] = prev
			} else {
				delete(r.db.products, p.ID)
			}
		}, nil
	})
}
