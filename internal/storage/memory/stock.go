package memory

import (
	"context"
	"slices"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/stock"
)

var _ stock.Repository = (*StockRepository)(nil)

// StockRepository implements stock.Repository.
type StockRepository struct {
	db *DB
}

// NewStockRepository returns a StockRepository over db.
func NewStockRepository(db *DB) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) GetBalance(_ context.Context, key stock.Key) (*stock.Balance, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	b, ok := r.db.balances[key]
	if !ok {
		return nil, stock.ErrBalanceNotFound
	}
	return &b, nil
}

func (r *StockRepository) PutBalance(ctx context.Context, expectedVersion int64, b stock.Balance) error {
	return r.db.write(ctx, func() (func(), error) {
		prev, existed := r.db.balances[b.Key]
		if prev.Version != expectedVersion {
			return nil, failure.ErrVersionConflict
		}
		r.db.balances[b.Key] = b
		return func() {
			if existed {
				r.db.balances[b.Key] = prev
			} else {
				delete(r.db.balances, b.Key)
			}
		}, nil
	})
}

func (r *StockRepository) AppendMovement(ctx context.Context, m stock.Movement) error {
	return r.db.write(ctx, func() (func(), error) {
		r.db.movements[m.Key] = append(r.db.movements[m.Key], m)
		return func() {
			ms := r.db.movements[m.Key]
			r.db.movements[m.Key] = ms[:len(ms)-1]
		}, nil
	})
}

func (r *StockRepository) ListMovements(_ context.Context, key stock.Key, limit int) ([]stock.Movement, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	ms := r.db.movements[key]
	if limit > 0 && len(ms) > limit {
		ms = ms[len(ms)-limit:]
	}
	return slices.Clone(ms), nil
}
