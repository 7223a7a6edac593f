package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/stock"
)

const (
	getBalanceSQL = `SELECT store_id, product_id, quantity, state, version, updated_at
		FROM stock_balances WHERE store_id = $1 AND product_id = $2`

	insertBalanceSQL = `INSERT INTO stock_balances (store_id, product_id, quantity, state, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store_id, product_id) DO NOTHING`

	updateBalanceSQL = `UPDATE stock_balances
		SET quantity = $3, state = $4, version = $5, updated_at = $6
		WHERE store_id = $1 AND product_id = $2 AND version = $7`

	insertMovementSQL = `INSERT INTO stock_movements
		(id, store_id, product_id, delta, reason, actor_id, weight_grams, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	listMovementsSQL = `SELECT id, store_id, product_id, delta, reason, actor_id, weight_grams, balance_after, reference, created_at
		FROM stock_movements WHERE store_id = $1 AND product_id = $2 ORDER BY seq`

	listRecentMovementsSQL = `SELECT id, store_id, product_id, delta, reason, actor_id, weight_grams, balance_after, reference, created_at
		FROM (
			SELECT * FROM stock_movements WHERE store_id = $1 AND product_id = $2
			ORDER BY seq DESC LIMIT $3
		) recent ORDER BY seq`
)

var _ stock.Repository = (*StockRepository)(nil)

// StockRepository implements stock.Repository backed by PostgreSQL.
type StockRepository struct {
	db *DB
}

// NewStockRepository returns a StockRepository that uses db.
func NewStockRepository(db *DB) *StockRepository {
	return &StockRepository{db: db}
}

// GetBalance returns stock.ErrBalanceNotFound when no row exists.
func (r *StockRepository) GetBalance(ctx context.Context, key stock.Key) (*stock.Balance, error) {
	rows, err := r.db.q(ctx).Query(ctx, getBalanceSQL, key.StoreID, key.ProductID)
	if err != nil {
		return nil, fmt.Errorf("getting balance %q: %w", key, err)
	}

	b, err := pgx.CollectExactlyOneRow(rows, scanBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, stock.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("getting balance %q: %w", key, err)
	}
	return &b, nil
}

// PutBalance inserts the row when expectedVersion is 0 and otherwise updates
// it only if the stored version still matches. A write that touches no row
// lost a race and reports failure.ErrVersionConflict.
func (r *StockRepository) PutBalance(ctx context.Context, expectedVersion int64, b stock.Balance) error {
	var (
		sql  = updateBalanceSQL
		args = []any{b.StoreID, b.ProductID, b.Quantity, string(b.State), b.Version, b.UpdatedAt, expectedVersion}
	)
	if expectedVersion == 0 {
		sql = insertBalanceSQL
		args = args[:6]
	}

	tag, err := r.db.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("writing balance %q: %w", b.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return failure.ErrVersionConflict
	}
	return nil
}

func (r *StockRepository) AppendMovement(ctx context.Context, m stock.Movement) error {
	_, err := r.db.q(ctx).Exec(ctx, insertMovementSQL,
		m.ID, m.Key.StoreID, m.Key.ProductID, m.Delta, string(m.Reason), m.ActorID,
		m.WeightGrams, m.BalanceAfter, m.Reference, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending movement %q: %w", m.Key, err)
	}
	return nil
}

func (r *StockRepository) ListMovements(ctx context.Context, key stock.Key, limit int) ([]stock.Movement, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.q(ctx).Query(ctx, listRecentMovementsSQL, key.StoreID, key.ProductID, limit)
	} else {
		rows, err = r.db.q(ctx).Query(ctx, listMovementsSQL, key.StoreID, key.ProductID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing movements %q: %w", key, err)
	}
	return pgx.CollectRows(rows, scanMovement)
}

func scanBalance(row pgx.CollectableRow) (stock.Balance, error) {
	var (
		b     stock.Balance
		state string
	)
	err := row.Scan(&b.StoreID, &b.ProductID, &b.Quantity, &state, &b.Version, &b.UpdatedAt)
	b.State = stock.Lifecycle(state)
	return b, err
}

func scanMovement(row pgx.CollectableRow) (stock.Movement, error) {
	var (
		m      stock.Movement
		reason string
	)
	err := row.Scan(
		&m.ID, &m.Key.StoreID, &m.Key.ProductID, &m.Delta, &reason, &m.ActorID,
		&m.WeightGrams, &m.BalanceAfter, &m.Reference, &m.CreatedAt,
	)
	m.Reason = stock.Reason(reason)
	return m, err
}
