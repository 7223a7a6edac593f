package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/failure"
)

const (
	getCartByUserSQL = `SELECT id, user_id, store_id, created_at, updated_at FROM carts WHERE user_id = $1`

	getCartByIDSQL = `SELECT id, user_id, store_id, created_at, updated_at FROM carts WHERE id = $1`

	listCartLinesSQL = `SELECT id, product_id, quantity, unit_price_snapshot, weight_grams
		FROM cart_lines WHERE cart_id = $1 ORDER BY position`

	createCartSQL = `INSERT INTO carts (id, user_id, store_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`

	touchCartSQL = `UPDATE carts SET store_id = $2, updated_at = $3 WHERE id = $1`

	saveCartLineSQL = `INSERT INTO cart_lines (id, cart_id, product_id, quantity, unit_price_snapshot, weight_grams)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			unit_price_snapshot = EXCLUDED.unit_price_snapshot,
			weight_grams = EXCLUDED.weight_grams`

	deleteCartLineSQL = `DELETE FROM cart_lines WHERE cart_id = $1 AND id = $2`

	clearCartLinesSQL = `DELETE FROM cart_lines WHERE cart_id = $1`

	releaseEmptyCartSQL = `UPDATE carts SET store_id = '', updated_at = $2
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM cart_lines WHERE cart_id = $1)`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	db  *DB
	now func() time.Time
}

// NewCartRepository returns a CartRepository that uses db.
func NewCartRepository(db *DB) *CartRepository {
	return &CartRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	return r.get(ctx, getCartByUserSQL, userID)
}

func (r *CartRepository) GetByID(ctx context.Context, id string) (*cart.Cart, error) {
	return r.get(ctx, getCartByIDSQL, id)
}

func (r *CartRepository) get(ctx context.Context, sql, arg string) (*cart.Cart, error) {
	q := r.db.q(ctx)

	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting cart %q: %w", arg, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[cartRow])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart %q: %w", arg, err)
	}

	rows, err = q.Query(ctx, listCartLinesSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("listing cart lines %q: %w", c.ID, err)
	}
	lines, err := pgx.CollectRows(rows, scanCartLine)
	if err != nil {
		return nil, fmt.Errorf("listing cart lines %q: %w", c.ID, err)
	}

	return &cart.Cart{
		ID:        c.ID,
		UserID:    c.UserID,
		StoreID:   c.StoreID,
		Lines:     lines,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

func (r *CartRepository) Create(ctx context.Context, c cart.Cart) error {
	_, err := r.db.q(ctx).Exec(ctx, createCartSQL, c.ID, c.UserID, c.StoreID, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return failure.Conflict("user %s already has a cart", c.UserID)
	}
	if err != nil {
		return fmt.Errorf("creating cart %q: %w", c.ID, err)
	}
	return nil
}

func (r *CartRepository) SaveLine(ctx context.Context, cartID, storeID string, l cart.Line) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)

		tag, err := q.Exec(ctx, touchCartSQL, cartID, storeID, r.now())
		if err != nil {
			return fmt.Errorf("updating cart %q: %w", cartID, err)
		}
		if tag.RowsAffected() == 0 {
			return cart.ErrNotFound
		}

		_, err = q.Exec(ctx, saveCartLineSQL,
			l.ID, cartID, l.ProductID, l.Quantity, l.UnitPriceSnapshot, l.WeightGrams,
		)
		if err != nil {
			return fmt.Errorf("saving cart line %q: %w", l.ID, err)
		}
		return nil
	})
}

func (r *CartRepository) DeleteLine(ctx context.Context, cartID, lineID string) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		if _, err := q.Exec(ctx, deleteCartLineSQL, cartID, lineID); err != nil {
			return fmt.Errorf("deleting cart line %q: %w", lineID, err)
		}
		if _, err := q.Exec(ctx, releaseEmptyCartSQL, cartID, r.now()); err != nil {
			return fmt.Errorf("updating cart %q: %w", cartID, err)
		}
		return nil
	})
}

func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		if _, err := q.Exec(ctx, clearCartLinesSQL, cartID); err != nil {
			return fmt.Errorf("clearing cart %q: %w", cartID, err)
		}
		tag, err := q.Exec(ctx, touchCartSQL, cartID, "", r.now())
		if err != nil {
			return fmt.Errorf("updating cart %q: %w", cartID, err)
		}
		if tag.RowsAffected() == 0 {
			return cart.ErrNotFound
		}
		return nil
	})
}

type cartRow struct {
	ID        string
	UserID    string
	StoreID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var l cart.Line
	err := row.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.UnitPriceSnapshot, &l.WeightGrams)
	return l, err
}
