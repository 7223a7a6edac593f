package cart

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
)

// Service implements the cart operations exposed to shoppers.
type Service struct {
	carts    Repository
	products product.Repository
	stock    StockReader
	locker   Locker
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker serializes edits of one cart with each other and with its
// checkout.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// NewService creates a cart Service.
func NewService(carts Repository, products product.Repository, stock StockReader, opts ...Option) *Service {
	s := &Service{
		carts:    carts,
		products: products,
		stock:    stock,
		locker:   nopLocker{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(context.Context), error) {
	return func(context.Context) {}, nil
}

// GetOrCreate returns the user's cart, creating an empty one on first use.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Cart, error) {
	if userID == "" {
		return nil, failure.Validation("user id is required")
	}

	c, err := s.carts.GetByUser(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "get cart")
	}

	now := s.now()
	fresh := Cart{ID: uuid.New().String(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	switch err := s.carts.Create(ctx, fresh); {
	case err == nil:
		zctx.From(ctx).Debug("Cart created", zap.String("cart_id", fresh.ID))
		return &fresh, nil
	case errors.Is(err, failure.ErrConflict):
		// Created concurrently by another request of the same user.
		c, err := s.carts.GetByUser(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, "get cart")
		}
		return c, nil
	default:
		return nil, errors.Wrap(err, "create cart")
	}
}

// AddLine adds quantity units of a product sold by storeID. Adding a product
// already in the cart sums the quantities and refreshes the price snapshot.
// The summed quantity must not exceed the store's balance.
func (s *Service) AddLine(ctx context.Context, userID, productID, storeID string, quantity int64) (*Cart, error) {
	if productID == "" || storeID == "" {
		return nil, failure.Validation("product id and store id are required")
	}
	if quantity < 1 {
		return nil, failure.Validation("quantity must be at least 1")
	}

	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.StoreID != storeID {
		return nil, failure.Validation("product %s is not sold by store %s", productID, storeID)
	}
	if p.State != product.Active {
		return nil, failure.Validation("product %s is no longer available", productID)
	}

	created, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, LockKey(created.ID))
	if err != nil {
		return nil, err
	}
	defer unlock(context.WithoutCancel(ctx))

	// Re-read under the lock: a checkout may have just cleared the cart.
	c, err := s.carts.GetByID(ctx, created.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	if len(c.Lines) > 0 && c.StoreID != storeID {
		return nil, failure.Validation("cart holds products of store %s; checkout or clear it first", c.StoreID)
	}

	line, exists := c.LineFor(productID)
	if !exists {
		line = Line{ID: uuid.New().String(), ProductID: productID}
	}
	total := line.Quantity + quantity
	if err := s.checkStock(ctx, stock.Key{StoreID: storeID, ProductID: productID}, total); err != nil {
		return nil, err
	}

	line.Quantity = total
	line.UnitPriceSnapshot = p.Price
	line.WeightGrams = p.WeightGrams
	if err := s.carts.SaveLine(ctx, c.ID, storeID, line); err != nil {
		return nil, errors.Wrap(err, "save cart line")
	}

	return s.replaceLine(c, storeID, line), nil
}

// UpdateLine sets the quantity of a line after re-validating it against the
// current balance.
func (s *Service) UpdateLine(ctx context.Context, userID, lineID string, quantity int64) (*Cart, error) {
	if quantity < 1 {
		return nil, failure.Validation("quantity must be at least 1")
	}

	c, line, unlock, err := s.lockedLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}
	defer unlock(context.WithoutCancel(ctx))

	if err := s.checkStock(ctx, stock.Key{StoreID: c.StoreID, ProductID: line.ProductID}, quantity); err != nil {
		return nil, err
	}

	line.Quantity = quantity
	if err := s.carts.SaveLine(ctx, c.ID, c.StoreID, line); err != nil {
		return nil, errors.Wrap(err, "save cart line")
	}
	return s.replaceLine(c, c.StoreID, line), nil
}

// RemoveLine deletes a line from the user's cart.
func (s *Service) RemoveLine(ctx context.Context, userID, lineID string) (*Cart, error) {
	c, line, unlock, err := s.lockedLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}
	defer unlock(context.WithoutCancel(ctx))

	if len(c.Lines) == 1 {
		err = s.carts.Clear(ctx, c.ID)
	} else {
		err = s.carts.DeleteLine(ctx, c.ID, line.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "delete cart line")
	}

	c.Lines = slices.DeleteFunc(c.Lines, func(l Line) bool { return l.ID == line.ID })
	if len(c.Lines) == 0 {
		c.StoreID = ""
	}
	c.UpdatedAt = s.now()
	return c, nil
}

func (s *Service) userLine(ctx context.Context, userID, lineID string) (*Cart, Line, error) {
	if userID == "" || lineID == "" {
		return nil, Line{}, failure.Validation("user id and line id are required")
	}
	c, err := s.carts.GetByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, Line{}, ErrLineNotFound
	}
	if err != nil {
		return nil, Line{}, errors.Wrap(err, "get cart")
	}
	line, ok := c.Line(lineID)
	if !ok {
		return nil, Line{}, ErrLineNotFound
	}
	return c, line, nil
}

// lockedLine locks the user's cart and returns it, read under the lock, with
// the line lineID.
func (s *Service) lockedLine(ctx context.Context, userID, lineID string) (*Cart, Line, func(context.Context), error) {
	c, _, err := s.userLine(ctx, userID, lineID)
	if err != nil {
		return nil, Line{}, nil, err
	}
	unlock, err := s.locker.Lock(ctx, LockKey(c.ID))
	if err != nil {
		return nil, Line{}, nil, err
	}
	c, line, err := s.userLine(ctx, userID, lineID)
	if err != nil {
		unlock(context.WithoutCancel(ctx))
		return nil, Line{}, nil, err
	}
	return c, line, unlock, nil
}

func (s *Service) checkStock(ctx context.Context, key stock.Key, want int64) error {
	available, err := s.stock.GetBalance(ctx, key)
	if err != nil {
		return errors.Wrap(err, "get balance")
	}
	if want > available {
		return &stock.InsufficientStockError{Key: key, Requested: want, Available: available}
	}
	return nil
}

func (s *Service) replaceLine(c *Cart, storeID string, line Line) *Cart {
	idx := slices.IndexFunc(c.Lines, func(l Line) bool { return l.ID == line.ID })
	if idx >= 0 {
		c.Lines[idx] = line
	} else {
		c.Lines = append(c.Lines, line)
	}
	c.StoreID = storeID
	c.UpdatedAt = s.now()
	return c
}
