package memory

import (
	"context"
	"slices"
	"time"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/failure"
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository.
type CartRepository struct {
	db  *DB
	now func() time.Time
}

// NewCartRepository returns a CartRepository over db.
func NewCartRepository(db *DB) *CartRepository {
	return &CartRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *CartRepository) GetByUser(_ context.Context, userID string) (*cart.Cart, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	id, ok := r.db.cartUsers[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return cloneCart(r.db.carts[id]), nil
}

func (r *CartRepository) GetByID(_ context.Context, id string) (*cart.Cart, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	c, ok := r.db.carts[id]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return cloneCart(c), nil
}

func (r *CartRepository) Create(ctx context.Context, c cart.Cart) error {
	return r.db.write(ctx, func() (func(), error) {
		if _, ok := r.db.cartUsers[c.UserID]; ok {
			return nil, failure.Conflict("user %s already has a cart", c.UserID)
		}
		r.db.carts[c.ID] = *cloneCart(c)
		r.db.cartUsers[c.UserID] = c.ID
		return func() {
			delete(r.db.carts, c.ID)
			delete(r.db.cartUsers, c.UserID)
		}, nil
	})
}

func (r *CartRepository) SaveLine(ctx context.Context, cartID, storeID string, l cart.Line) error {
	return r.update(ctx, cartID, func(c *cart.Cart) {
		c.StoreID = storeID
		if i := slices.IndexFunc(c.Lines, func(x cart.Line) bool { return x.ID == l.ID }); i >= 0 {
			c.Lines[i] = l
			return
		}
		c.Lines = append(c.Lines, l)
	})
}

func (r *CartRepository) DeleteLine(ctx context.Context, cartID, lineID string) error {
	return r.update(ctx, cartID, func(c *cart.Cart) {
		c.Lines = slices.DeleteFunc(c.Lines, func(x cart.Line) bool { return x.ID == lineID })
		if len(c.Lines) == 0 {
			c.StoreID = ""
		}
	})
}

func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	return r.update(ctx, cartID, func(c *cart.Cart) {
		c.Lines = nil
		c.StoreID = ""
	})
}

func (r *CartRepository) update(ctx context.Context, cartID string, fn func(c *cart.Cart)) error {
	now := r.now()
	return r.db.write(ctx, func() (func(), error) {
		prev, ok := r.db.carts[cartID]
		if !ok {
			return nil, cart.ErrNotFound
		}
		next := cloneCart(prev)
		fn(next)
		next.UpdatedAt = now
		r.db.carts[cartID] = *next
		return func() { r.db.carts[cartID] = prev }, nil
	})
}

func cloneCart(c cart.Cart) *cart.Cart {
	c.Lines = slices.Clone(c.Lines)
	return &c
}
