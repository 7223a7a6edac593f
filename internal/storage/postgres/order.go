package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
)

const (
	orderColumns = `id, order_number, user_id, store_id, address_id,
		subtotal, discount_total, shipping_total, total,
		status, review, review_note, is_done, payment_method,
		shipping_carrier, shipping_service, shipping_eta,
		payment_session_token, payment_proof_url, version, created_at, updated_at, paid_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	createOrderLineSQL = `INSERT INTO order_lines
		(order_id, position, product_id, name, unit_price, original_unit_price,
		 discount_id, discount_per_unit, quantity, line_total, weight_grams)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`

	listOrdersForReviewSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'PENDING' AND (review = 'OVERSOLD' OR payment_method = 'MANUAL')
		AND ($1 = '' OR store_id = $1)
		ORDER BY created_at`

	listOrderLinesSQL = `SELECT order_id, product_id, name, unit_price, original_unit_price,
		discount_id, discount_per_unit, quantity, line_total, weight_grams
		FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`

	updateOrderSQL = `UPDATE orders SET
		status = $2, review = $3, review_note = $4, is_done = $5,
		paid_at = $6, updated_at = $7, version = $8
		WHERE order_number = $1 AND version = $9`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository that uses db.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create persists the order header and its lines together.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)

		_, err := q.Exec(ctx, createOrderSQL,
			o.ID, o.OrderNumber, o.UserID, o.StoreID, o.AddressID,
			o.Subtotal, o.DiscountTotal, o.ShippingTotal, o.Total,
			string(o.Status), string(o.Review), o.ReviewNote, o.IsDone, string(o.PaymentMethod),
			o.Shipping.Carrier, o.Shipping.Service, o.Shipping.ETA,
			o.PaymentSessionToken, o.PaymentProofURL, o.Version, o.CreatedAt, o.UpdatedAt, o.PaidAt,
		)
		if isUniqueViolation(err) {
			return failure.Conflict("order %s already exists", o.OrderNumber)
		}
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.OrderNumber, err)
		}

		batch := &pgx.Batch{}
		for i, l := range o.Lines {
			batch.Queue(createOrderLineSQL,
				o.ID, i, l.ProductID, l.Name, l.UnitPrice, l.OriginalUnitPrice,
				l.DiscountID, l.DiscountPerUnit, l.Quantity, l.LineTotal, l.WeightGrams,
			)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating lines of order %q: %w", o.OrderNumber, err)
		}
		return nil
	})
}

func (r *OrderRepository) GetByNumber(ctx context.Context, orderNumber string) (*order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, getOrderByNumberSQL, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", orderNumber, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", orderNumber, err)
	}

	orders := []order.Order{o}
	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// Update writes the mutable fields of o guarded by expectedVersion.
func (r *OrderRepository) Update(ctx context.Context, expectedVersion int64, o *order.Order) error {
	tag, err := r.db.q(ctx).Exec(ctx, updateOrderSQL,
		o.OrderNumber, string(o.Status), string(o.Review), o.ReviewNote, o.IsDone,
		o.PaidAt, o.UpdatedAt, o.Version, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.OrderNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return failure.ErrVersionConflict
	}
	return nil
}

func (r *OrderRepository) ListForReview(ctx context.Context, storeID string) ([]order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, listOrdersForReviewSQL, storeID)
	if err != nil {
		return nil, fmt.Errorf("listing orders for review: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders for review: %w", err)
	}
	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *OrderRepository) attachLines(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := r.db.q(ctx).Query(ctx, listOrderLinesSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			l       order.Line
		)
		if err := rows.Scan(
			&orderID, &l.ProductID, &l.Name, &l.UnitPrice, &l.OriginalUnitPrice,
			&l.DiscountID, &l.DiscountPerUnit, &l.Quantity, &l.LineTotal, &l.WeightGrams,
		); err != nil {
			return fmt.Errorf("scanning order line: %w", err)
		}
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing order lines: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
		review string
		method string
		paidAt *time.Time
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.StoreID, &o.AddressID,
		&o.Subtotal, &o.DiscountTotal, &o.ShippingTotal, &o.Total,
		&status, &review, &o.ReviewNote, &o.IsDone, &method,
		&o.Shipping.Carrier, &o.Shipping.Service, &o.Shipping.ETA,
		&o.PaymentSessionToken, &o.PaymentProofURL, &o.Version, &o.CreatedAt, &o.UpdatedAt, &paidAt,
	)
	o.Status = order.Status(status)
	o.Review = order.Review(review)
	o.PaymentMethod = order.PaymentMethod(method)
	o.PaidAt = paidAt
	return o, err
}
