// Package memory is an in-process implementation of every repository, used
// in development mode and by tests.
//
// Transactions are optimistic and buffered: reads inside a transaction see
// committed state only, writes are queued and applied under one lock at
// commit. A queued write whose precondition no longer holds (for example a
// stale version) aborts the commit and rolls back the writes already
// applied.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
)

// op applies one write to the state. It is called with DB.mu held and
// returns a function restoring the previous state.
type op func() (undo func(), err error)

type txKey struct{}

type txn struct {
	ops []op
}

// DB holds the state shared by the repositories.
type DB struct {
	mu sync.RWMutex

	balances  map[stock.Key]stock.Balance
	movements map[stock.Key][]stock.Movement
	products  map[string]product.Product
	discounts map[string]discount.Discount
	usages    []discount.Usage
	carts     map[string]cart.Cart
	cartUsers map[string]string
	orders    map[string]order.Order
	apiKeys   map[string]auth.APIKeyInfo

	// beforeCommit is called for every op at commit. Tests use it to inject
	// faults between writes.
	beforeCommit func(i int) error
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		balances:  make(map[stock.Key]stock.Balance),
		movements: make(map[stock.Key][]stock.Movement),
		products:  make(map[string]product.Product),
		discounts: make(map[string]discount.Discount),
		carts:     make(map[string]cart.Cart),
		cartUsers: make(map[string]string),
		orders:    make(map[string]order.Order),
		apiKeys:   make(map[string]auth.APIKeyInfo),
	}
}

// WithinTx runs fn with a context carrying a transaction and commits the
// buffered writes when fn succeeds. Nested calls join the outer
// transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txn); ok {
		return fn(ctx)
	}

	t := &txn{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	return db.commit(t.ops)
}

// Ping implements a readiness check.
func (db *DB) Ping(context.Context) error {
	return nil
}

// SetFaultInjector installs a hook called before each write of a commit. A
// non-nil error aborts the commit.
func (db *DB) SetFaultInjector(fn func(i int) error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.beforeCommit = fn
}

func (db *DB) write(ctx context.Context, o op) error {
	if t, ok := ctx.Value(txKey{}).(*txn); ok {
		t.ops = append(t.ops, o)
		return nil
	}
	return db.commit([]op{o})
}

func (db *DB) commit(ops []op) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	undos := make([]func(), 0, len(ops))
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}
	for i, o := range ops {
		if db.beforeCommit != nil {
			if err := db.beforeCommit(i); err != nil {
				rollback()
				return err
			}
		}
		undo, err := o()
		if err != nil {
			rollback()
			return err
		}
		undos = append(undos, undo)
	}
	return nil
}
