package cart_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/storage/memory"
)

type fixture struct {
	svc    *cart.Service
	ledger *stock.Ledger
	carts  *memory.CartRepository
	lock   *keyLocker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()
	products := memory.NewProductRepository(db)
	ledger := stock.NewLedger(memory.NewStockRepository(db), db)

	for _, p := range []product.Product{
		{ID: "p-rice", StoreID: "s-1", Name: "Rice 5kg", Price: decimal.NewFromInt(75000), WeightGrams: 5000, State: product.Active},
		{ID: "p-eggs", StoreID: "s-1", Name: "Eggs 10", Price: decimal.NewFromInt(28000), WeightGrams: 600, State: product.Active},
		{ID: "p-tea", StoreID: "s-2", Name: "Green Tea", Price: decimal.NewFromInt(15000), WeightGrams: 100, State: product.Active},
		{ID: "p-old", StoreID: "s-1", Name: "Discontinued", Price: decimal.NewFromInt(1000), State: product.Retired},
		{ID: "p-salt", StoreID: "s-1", Name: "Sea Salt", Price: decimal.NewFromInt(5000), WeightGrams: 250, State: product.Active},
	} {
		p.CreatedAt = time.Now()
		require.NoError(t, products.Save(ctx, p))
	}
	for key, qty := range map[stock.Key]int64{
		{StoreID: "s-1", ProductID: "p-rice"}: 5,
		{StoreID: "s-1", ProductID: "p-eggs"}: 2,
		{StoreID: "s-2", ProductID: "p-tea"}:  9,
	} {
		_, err := ledger.CreateInitialEntry(ctx, key, qty, "admin", 100)
		require.NoError(t, err)
	}

	carts := memory.NewCartRepository(db)
	lock := &keyLocker{}
	return fixture{
		svc:    cart.NewService(carts, products, ledger, cart.WithLocker(lock)),
		ledger: ledger,
		carts:  carts,
		lock:   lock,
	}
}

// keyLocker serializes every key on one mutex and counts the keys it locked.
type keyLocker struct {
	mu   sync.Mutex
	keys sync.Map
}

func (l *keyLocker) Lock(_ context.Context, key string) (func(context.Context), error) {
	l.mu.Lock()
	l.keys.Store(key, true)
	return func(context.Context) { l.mu.Unlock() }, nil
}

func TestService_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.GetOrCreate(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, first.Lines)

	second, err := f.svc.GetOrCreate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.svc.GetOrCreate(ctx, "")
	assert.ErrorIs(t, err, failure.ErrValidation)
}

func TestService_AddLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 2)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, "s-1", c.StoreID)
	assert.True(t, decimal.NewFromInt(75000).Equal(c.Lines[0].UnitPriceSnapshot))
	assert.Equal(t, int64(5000), c.Lines[0].WeightGrams)

	c, err = f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 3)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, int64(5), c.Lines[0].Quantity)

	_, err = f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 1)
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(6), insufficient.Requested)
	assert.Equal(t, int64(5), insufficient.Available)

	stored, err := f.carts.GetByUser(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, int64(5), stored.Lines[0].Quantity)
	assert.True(t, decimal.NewFromInt(375000).Equal(stored.Subtotal()))
}

func TestService_AddLineRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 1)
	require.NoError(t, err)

	tests := []struct {
		name      string
		productID string
		storeID   string
		quantity  int64
		want      error
	}{
		{name: "zero quantity", productID: "p-eggs", storeID: "s-1", quantity: 0, want: failure.ErrValidation},
		{name: "missing product", productID: "p-none", storeID: "s-1", quantity: 1, want: failure.ErrNotFound},
		{name: "wrong store", productID: "p-eggs", storeID: "s-2", quantity: 1, want: failure.ErrValidation},
		{name: "retired product", productID: "p-old", storeID: "s-1", quantity: 1, want: failure.ErrValidation},
		{name: "second store", productID: "p-tea", storeID: "s-2", quantity: 1, want: failure.ErrValidation},
		{name: "no stock entry", productID: "p-salt", storeID: "s-1", quantity: 1, want: failure.ErrInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddLine(ctx, "u-1", tt.productID, tt.storeID, tt.quantity)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_UpdateAndRemoveLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 1)
	require.NoError(t, err)
	c, err = f.svc.AddLine(ctx, "u-1", "p-eggs", "s-1", 1)
	require.NoError(t, err)
	rice, _ := c.LineFor("p-rice")
	eggs, _ := c.LineFor("p-eggs")

	c, err = f.svc.UpdateLine(ctx, "u-1", eggs.ID, 2)
	require.NoError(t, err)
	updated, _ := c.Line(eggs.ID)
	assert.Equal(t, int64(2), updated.Quantity)

	_, err = f.svc.UpdateLine(ctx, "u-1", eggs.ID, 3)
	assert.ErrorIs(t, err, failure.ErrInsufficientStock)

	_, err = f.svc.UpdateLine(ctx, "u-2", eggs.ID, 1)
	assert.ErrorIs(t, err, cart.ErrLineNotFound)

	c, err = f.svc.RemoveLine(ctx, "u-1", eggs.ID)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, "s-1", c.StoreID)

	c, err = f.svc.RemoveLine(ctx, "u-1", rice.ID)
	require.NoError(t, err)
	assert.Empty(t, c.Lines)
	assert.Empty(t, c.StoreID)

	// An emptied cart accepts products of another store.
	c, err = f.svc.AddLine(ctx, "u-1", "p-tea", "s-2", 1)
	require.NoError(t, err)
	assert.Equal(t, "s-2", c.StoreID)

	_, err = f.svc.RemoveLine(ctx, "u-1", rice.ID)
	assert.ErrorIs(t, err, cart.ErrLineNotFound)
}

func TestService_AddLineDoesNotMoveStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 4)
	require.NoError(t, err)
	_, err = f.svc.AddLine(ctx, "u-2", "p-rice", "s-1", 4)
	require.NoError(t, err)

	qty, err := f.ledger.GetBalance(ctx, stock.Key{StoreID: "s-1", ProductID: "p-rice"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), qty)
}

func TestService_ConcurrentAddLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.GetOrCreate(ctx, "u-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.carts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, int64(4), got.Lines[0].Quantity)

	_, locked := f.lock.keys.Load(cart.LockKey(c.ID))
	assert.True(t, locked)
}

func TestService_AddLineWaitsForCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.AddLine(ctx, "u-1", "p-rice", "s-1", 2)
	require.NoError(t, err)

	// Hold the lock the way checkout does while it reads and clears the cart.
	unlock, err := f.lock.Lock(ctx, cart.LockKey(c.ID))
	require.NoError(t, err)

	done := make(chan *cart.Cart, 1)
	go func() {
		added, err := f.svc.AddLine(ctx, "u-1", "p-eggs", "s-1", 1)
		assert.NoError(t, err)
		done <- added
	}()

	require.NoError(t, f.carts.Clear(ctx, c.ID))
	unlock(ctx)

	added := <-done
	require.NotNil(t, added)
	require.Len(t, added.Lines, 1, "the edit sees the cart checkout left behind")
	assert.Equal(t, "p-eggs", added.Lines[0].ProductID)

	stored, err := f.carts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, int64(1), stored.Lines[0].Quantity)
}
