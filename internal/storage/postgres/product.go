package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/product"
)

const (
	productColumns = `id, store_id, name, category, price, weight_grams, state,
		image_thumbnail, image_mobile, image_tablet, image_desktop, created_at`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	saveProductSQL = `INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			store_id = EXCLUDED.store_id, name = EXCLUDED.name, category = EXCLUDED.category,
			price = EXCLUDED.price, weight_grams = EXCLUDED.weight_grams, state = EXCLUDED.state,
			image_thumbnail = EXCLUDED.image_thumbnail, image_mobile = EXCLUDED.image_mobile,
			image_tablet = EXCLUDED.image_tablet, image_desktop = EXCLUDED.image_desktop`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	db *DB
}

// NewProductRepository returns a ProductRepository that uses db.
func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// List returns the products matching every filter ordered by ID.
func (r *ProductRepository) List(ctx context.Context, filters ...product.Filter) ([]product.Product, error) {
	where, args, err := productFilter(filters)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.q(ctx).Query(ctx, `SELECT `+productColumns+` FROM products`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.db.q(ctx).Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.db.q(ctx).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Save inserts or replaces a product.
func (r *ProductRepository) Save(ctx context.Context, p product.Product) error {
	_, err := r.db.q(ctx).Exec(ctx, saveProductSQL,
		p.ID, p.StoreID, p.Name, p.Category, p.Price, p.WeightGrams, string(p.State),
		p.Image.Thumbnail, p.Image.Mobile, p.Image.Tablet, p.Image.Desktop, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving product %q: %w", p.ID, err)
	}
	return nil
}

// productFilter translates filters into a WHERE clause.
func productFilter(filters []product.Filter) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, f := range filters {
		switch s := f.(type) {
		case product.InStore:
			conds = append(conds, "store_id = "+arg(s.StoreID))
		case product.InCategory:
			conds = append(conds, "LOWER(category) = LOWER("+arg(s.Category)+")")
		case product.PriceBetween:
			conds = append(conds, "price >= "+arg(s.Min))
			if !s.Max.IsZero() {
				conds = append(conds, "price <= "+arg(s.Max))
			}
		case product.NameContains:
			conds = append(conds, "name ILIKE '%' || "+arg(escapeLike(s.Text))+" || '%'")
		case product.OnlyActive:
			conds = append(conds, "state = 'ACTIVE'")
		default:
			return "", nil, errors.Errorf("unsupported product filter %T", f)
		}
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		price decimal.Decimal
		state string
	)
	err := row.Scan(
		&p.ID, &p.StoreID, &p.Name, &p.Category, &price, &p.WeightGrams, &state,
		&p.Image.Thumbnail, &p.Image.Mobile, &p.Image.Tablet, &p.Image.Desktop, &p.CreatedAt,
	)
	p.Price = price
	p.State = product.State(state)
	return p, err
}
