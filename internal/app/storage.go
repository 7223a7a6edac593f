package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/storage/memory"
	"github.com/xenking/grocer/internal/storage/postgres"
)

// transactor is implemented by both storage backends.
type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}

// Storage is the set of repositories of one backend.
type Storage struct {
	Products  product.Repository
	Stock     stock.Repository
	Carts     cart.Repository
	Orders    order.Repository
	Discounts discount.Repository
	APIKeys   auth.Repository
	Tx        transactor

	close func()
}

// Close releases the backend.
func (s *Storage) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStorage connects the backend named by cfg.Storage. PostgreSQL is
// migrated before use.
func OpenStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (*Storage, error) {
	switch cfg.Storage {
	case StorageMemory:
		lg.Warn("Using in-memory storage, state is lost on restart")
		return MemoryStorage(memory.New()), nil
	case StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		db := postgres.NewDB(pool)
		return &Storage{
			Products:  postgres.NewProductRepository(db),
			Stock:     postgres.NewStockRepository(db),
			Carts:     postgres.NewCartRepository(db),
			Orders:    postgres.NewOrderRepository(db),
			Discounts: postgres.NewDiscountRepository(db),
			APIKeys:   postgres.NewAPIKeyRepository(db),
			Tx:        db,
			close:     pool.Close,
		}, nil
	default:
		return nil, errors.Errorf("unknown storage %q", cfg.Storage)
	}
}

// MemoryStorage binds the repositories to an in-memory DB.
func MemoryStorage(db *memory.DB) *Storage {
	return &Storage{
		Products:  memory.NewProductRepository(db),
		Stock:     memory.NewStockRepository(db),
		Carts:     memory.NewCartRepository(db),
		Orders:    memory.NewOrderRepository(db),
		Discounts: memory.NewDiscountRepository(db),
		APIKeys:   memory.NewAPIKeyRepository(db),
		Tx:        db,
	}
}
