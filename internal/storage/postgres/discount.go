package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/failure"
)

const (
	discountColumns = `id, store_id, product_id, discount_type, value, min_purchase, max_discount_cap,
		start_date, end_date, state, retired_at, created_at`

	listDiscountsForProductSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE store_id = $1 AND product_id = $2 ORDER BY created_at`

	getDiscountByIDSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1`

	createDiscountSQL = `INSERT INTO discounts (` + discountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	retireDiscountSQL = `UPDATE discounts SET state = 'RETIRED', retired_at = $2 WHERE id = $1`

	insertDiscountUsageSQL = `INSERT INTO discount_usages
		(id, discount_id, order_number, user_id, product_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	db *DB
}

// NewDiscountRepository returns a DiscountRepository that uses db.
func NewDiscountRepository(db *DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

func (r *DiscountRepository) ListForProduct(ctx context.Context, storeID, productID string) ([]discount.Discount, error) {
	rows, err := r.db.q(ctx).Query(ctx, listDiscountsForProductSQL, storeID, productID)
	if err != nil {
		return nil, fmt.Errorf("listing discounts for %q/%q: %w", storeID, productID, err)
	}
	return pgx.CollectRows(rows, scanDiscount)
}

func (r *DiscountRepository) GetByID(ctx context.Context, id string) (*discount.Discount, error) {
	rows, err := r.db.q(ctx).Query(ctx, getDiscountByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting discount %q: %w", id, err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("getting discount %q: %w", id, err)
	}
	return &d, nil
}

func (r *DiscountRepository) Create(ctx context.Context, d discount.Discount) error {
	_, err := r.db.q(ctx).Exec(ctx, createDiscountSQL,
		d.ID, d.StoreID, d.ProductID, string(d.Type), d.Value, d.MinPurchase, d.MaxDiscountCap,
		d.StartDate, nullTime(d.EndDate), string(d.State), d.RetiredAt, d.CreatedAt,
	)
	if isUniqueViolation(err) {
		return failure.Conflict("discount %s already exists", d.ID)
	}
	if err != nil {
		return fmt.Errorf("creating discount %q: %w", d.ID, err)
	}
	return nil
}

func (r *DiscountRepository) Retire(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.q(ctx).Exec(ctx, retireDiscountSQL, id, at)
	if err != nil {
		return fmt.Errorf("retiring discount %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

func (r *DiscountRepository) AppendUsage(ctx context.Context, usages ...discount.Usage) error {
	if len(usages) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range usages {
		batch.Queue(insertDiscountUsageSQL,
			u.ID, u.DiscountID, u.OrderNumber, u.UserID, u.ProductID, u.Amount, u.CreatedAt,
		)
	}
	if err := r.db.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("appending discount usages: %w", err)
	}
	return nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d         discount.Discount
		kind      string
		state     string
		value     decimal.Decimal
		minimum   decimal.Decimal
		maxCap    decimal.Decimal
		endDate   *time.Time
		retiredAt *time.Time
	)
	err := row.Scan(
		&d.ID, &d.StoreID, &d.ProductID, &kind, &value, &minimum, &maxCap,
		&d.StartDate, &endDate, &state, &retiredAt, &d.CreatedAt,
	)
	d.Type = discount.Type(kind)
	d.State = discount.State(state)
	d.Value = value
	d.MinPurchase = minimum
	d.MaxDiscountCap = maxCap
	if endDate != nil {
		d.EndDate = *endDate
	}
	d.RetiredAt = retiredAt
	return d, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
