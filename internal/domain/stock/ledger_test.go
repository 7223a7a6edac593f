package stock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-faster/errors"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/storage/memory"
)

var key = stock.Key{StoreID: "store-1", ProductID: "prod-1"}

func newLedger(t *testing.T, opts ...stock.Option) (*stock.Ledger, *memory.DB) {
	t.Helper()
	db := memory.New()
	return stock.NewLedger(memory.NewStockRepository(db), db, opts...), db
}

func movement(delta int64, reason stock.Reason) stock.MovementRequest {
	return stock.MovementRequest{Key: key, Delta: delta, Reason: reason, ActorID: "admin-1", WeightGrams: 500}
}

func TestLedger_RecordMovement(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	b, err := l.RecordMovement(ctx, movement(10, stock.ReasonAdd))
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Quantity)
	assert.Equal(t, int64(1), b.Version)

	b, err = l.RecordMovement(ctx, movement(-3, stock.ReasonSale))
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.Quantity)

	_, err = l.RecordMovement(ctx, movement(-8, stock.ReasonSale))
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, failure.ErrInsufficientStock)
	assert.Equal(t, int64(8), insufficient.Requested)
	assert.Equal(t, int64(7), insufficient.Available)

	qty, err := l.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), qty)

	history, err := l.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(10), history[0].BalanceAfter)
	assert.Equal(t, int64(7), history[1].BalanceAfter)
	assert.Equal(t, int64(500), history[1].WeightGrams)
}

func TestLedger_RecordMovementValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	tests := []struct {
		name string
		req  stock.MovementRequest
	}{
		{name: "missing store", req: stock.MovementRequest{Key: stock.Key{ProductID: "p"}, Delta: 1, Reason: stock.ReasonAdd, ActorID: "a"}},
		{name: "missing actor", req: stock.MovementRequest{Key: key, Delta: 1, Reason: stock.ReasonAdd}},
		{name: "negative restock", req: movement(-1, stock.ReasonRestock)},
		{name: "positive sale", req: movement(1, stock.ReasonSale)},
		{name: "zero adjustment", req: movement(0, stock.ReasonAdjustment)},
		{name: "unknown reason", req: movement(1, "GIFT")},
		{name: "target on restock", req: withTarget(movement(1, stock.ReasonRestock), 4)},
		{name: "negative target", req: withTarget(movement(0, stock.ReasonAdjustment), -1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.RecordMovement(ctx, tt.req)
			assert.ErrorIs(t, err, failure.ErrValidation)
		})
	}
}

func TestLedger_GetBalanceMissing(t *testing.T) {
	l, _ := newLedger(t)

	qty, err := l.GetBalance(context.Background(), key)
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestLedger_Adjust(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Adjust(ctx, key, 7, stock.ReasonRestock, "admin-1", 500)
	require.NoError(t, err)

	b, err := l.Adjust(ctx, key, 2, stock.ReasonSale, "admin-1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Quantity)

	// Stock-take: the counted quantity replaces the balance.
	b, err = l.Adjust(ctx, key, 3, stock.ReasonAdjustment, "admin-1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Quantity)

	b, err = l.Adjust(ctx, key, 3, stock.ReasonAdjustment, "admin-1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Quantity)

	history, err := l.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, history, 3, "an unchanged count records no movement")
	assert.Equal(t, int64(-2), history[2].Delta)
	assert.Equal(t, stock.ReasonAdjustment, history[2].Reason)

	_, err = l.Adjust(ctx, key, -1, stock.ReasonAdjustment, "admin-1", 500)
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = l.Adjust(ctx, key, 0, stock.ReasonRestock, "admin-1", 500)
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = l.Adjust(ctx, key, 4, stock.ReasonSale, "admin-1", 500)
	assert.ErrorIs(t, err, failure.ErrInsufficientStock)
}

func withTarget(req stock.MovementRequest, target int64) stock.MovementRequest {
	req.Target = &target
	return req
}

// racingRepo commits a movement through a second ledger right after the
// first balance read, before the caller writes.
type racingRepo struct {
	stock.Repository
	once  sync.Once
	other *stock.Ledger
	delta int64
	err   error
}

func (r *racingRepo) GetBalance(ctx context.Context, k stock.Key) (*stock.Balance, error) {
	b, err := r.Repository.GetBalance(ctx, k)
	r.once.Do(func() {
		_, r.err = r.other.RecordMovement(context.Background(), movement(r.delta, stock.ReasonRestock))
	})
	return b, err
}

func newRacingLedger(t *testing.T, initial, delta int64) (*stock.Ledger, *stock.Ledger, *racingRepo) {
	t.Helper()
	db := memory.New()
	plain := stock.NewLedger(memory.NewStockRepository(db), db)
	_, err := plain.CreateInitialEntry(context.Background(), key, initial, "admin-1", 500)
	require.NoError(t, err)

	repo := &racingRepo{Repository: memory.NewStockRepository(db), other: plain, delta: delta}
	return stock.NewLedger(repo, db), plain, repo
}

func TestLedger_AdjustConcurrentRestock(t *testing.T) {
	ctx := context.Background()
	l, plain, repo := newRacingLedger(t, 10, 5)

	b, err := l.Adjust(ctx, key, 3, stock.ReasonAdjustment, "admin-1", 500)
	require.NoError(t, err)
	require.NoError(t, repo.err)
	assert.Equal(t, int64(3), b.Quantity)

	qty, err := plain.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)

	history, err := plain.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, stock.ReasonRestock, history[1].Reason)
	assert.Equal(t, int64(-12), history[2].Delta)
	assert.Equal(t, int64(3), history[2].BalanceAfter)

	report, err := plain.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestLedger_RetireConcurrentRestock(t *testing.T) {
	ctx := context.Background()
	l, plain, repo := newRacingLedger(t, 6, 4)

	b, err := l.Retire(ctx, key, "admin-1")
	require.NoError(t, err)
	require.NoError(t, repo.err)
	assert.Equal(t, stock.Retired, b.State)
	assert.Zero(t, b.Quantity)

	history, err := plain.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(-10), history[2].Delta)

	report, err := plain.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestLedger_CreateInitialEntry(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	b, err := l.CreateInitialEntry(ctx, key, 12, "admin-1", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(12), b.Quantity)

	_, err = l.CreateInitialEntry(ctx, key, 5, "admin-1", 250)
	assert.ErrorIs(t, err, failure.ErrConflict)

	empty := stock.Key{StoreID: "store-1", ProductID: "prod-2"}
	b, err = l.CreateInitialEntry(ctx, empty, 0, "admin-1", 250)
	require.NoError(t, err)
	assert.Zero(t, b.Quantity)
	assert.Equal(t, stock.Active, b.State)

	_, err = l.CreateInitialEntry(ctx, empty, 0, "admin-1", 250)
	assert.ErrorIs(t, err, failure.ErrConflict)
}

func TestLedger_Retire(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Retire(ctx, key, "admin-1")
	assert.ErrorIs(t, err, failure.ErrNotFound)

	_, err = l.CreateInitialEntry(ctx, key, 6, "admin-1", 0)
	require.NoError(t, err)

	b, err := l.Retire(ctx, key, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, stock.Retired, b.State)
	assert.Zero(t, b.Quantity)

	report, err := l.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Movements)

	// Retiring again is a no-op.
	_, err = l.Retire(ctx, key, "admin-1")
	require.NoError(t, err)

	_, err = l.RecordMovement(ctx, movement(3, stock.ReasonRestock))
	assert.ErrorIs(t, err, failure.ErrValidation)

	b, err = l.RecordMovement(ctx, movement(3, stock.ReasonAdd))
	require.NoError(t, err)
	assert.Equal(t, stock.Active, b.State)
	assert.Equal(t, int64(3), b.Quantity)
}

func TestLedger_ApplyAggregatesKeys(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	other := stock.Key{StoreID: "store-1", ProductID: "prod-2"}

	var balances []stock.Balance
	err := l.Atomically(ctx, func(ctx context.Context) error {
		var err error
		balances, err = l.Apply(ctx,
			movement(5, stock.ReasonAdd),
			stock.MovementRequest{Key: other, Delta: 2, Reason: stock.ReasonAdd, ActorID: "admin-1"},
			movement(-3, stock.ReasonSale),
		)
		return err
	})
	require.NoError(t, err)
	require.Len(t, balances, 3)
	assert.Equal(t, int64(2), balances[0].Quantity)
	assert.Equal(t, int64(2), balances[2].Quantity)

	history, err := l.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(5), history[0].BalanceAfter)
	assert.Equal(t, int64(2), history[1].BalanceAfter)

	// A failing line leaves every line untouched.
	err = l.Atomically(ctx, func(ctx context.Context) error {
		_, err := l.Apply(ctx,
			stock.MovementRequest{Key: other, Delta: -1, Reason: stock.ReasonSale, ActorID: "admin-1"},
			movement(-3, stock.ReasonSale),
		)
		return err
	})
	require.ErrorIs(t, err, failure.ErrInsufficientStock)

	qty, err := l.GetBalance(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(2), qty)
}

func TestLedger_FaultBetweenWritesPersistsNothing(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	_, err := l.CreateInitialEntry(ctx, key, 10, "admin-1", 0)
	require.NoError(t, err)

	// The balance write commits first, the journal write second.
	db.SetFaultInjector(func(i int) error {
		if i == 1 {
			return errors.New("disk full")
		}
		return nil
	})
	_, err = l.RecordMovement(ctx, movement(-4, stock.ReasonSale))
	require.Error(t, err)
	db.SetFaultInjector(nil)

	qty, err := l.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), qty)

	history, err := l.History(ctx, key, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// conflictingRepo fails the first n balance writes with a version conflict.
type conflictingRepo struct {
	stock.Repository
	remaining atomic.Int32
	puts      atomic.Int32
}

func (r *conflictingRepo) PutBalance(ctx context.Context, expected int64, b stock.Balance) error {
	r.puts.Add(1)
	if r.remaining.Add(-1) >= 0 {
		return failure.ErrVersionConflict
	}
	return r.Repository.PutBalance(ctx, expected, b)
}

func TestLedger_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds within attempts", func(t *testing.T) {
		db := memory.New()
		repo := &conflictingRepo{Repository: memory.NewStockRepository(db)}
		repo.remaining.Store(2)
		l := stock.NewLedger(repo, db)

		b, err := l.RecordMovement(ctx, movement(4, stock.ReasonAdd))
		require.NoError(t, err)
		assert.Equal(t, int64(4), b.Quantity)
		assert.Equal(t, int32(3), repo.puts.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		db := memory.New()
		repo := &conflictingRepo{Repository: memory.NewStockRepository(db)}
		repo.remaining.Store(10)
		l := stock.NewLedger(repo, db, stock.WithMaxAttempts(3))

		_, err := l.RecordMovement(ctx, movement(4, stock.ReasonAdd))
		var exhausted *stock.ConflictExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)
		assert.ErrorIs(t, err, failure.ErrConflict)

		qty, err := l.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, qty)
	})
}

func TestLedger_ConcurrentSales(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, stock.WithMaxAttempts(1000))

	const initial = 100
	_, err := l.CreateInitialEntry(ctx, key, initial, "admin-1", 0)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		sold atomic.Int64
	)
	for i := range 60 {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			_, err := l.RecordMovement(ctx, movement(-qty, stock.ReasonSale))
			switch {
			case err == nil:
				sold.Add(qty)
			case errors.Is(err, failure.ErrInsufficientStock):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i%4 + 1))
	}
	wg.Wait()

	qty, err := l.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, initial-sold.Load(), qty)
	assert.GreaterOrEqual(t, qty, int64(0))

	report, err := l.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestLedger_ReplayMatchesBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	reasons := []stock.Reason{stock.ReasonAdd, stock.ReasonRestock, stock.ReasonSale, stock.ReasonAdjustment}

	properties.Property("balance equals the sum of the journal and never goes negative", prop.ForAll(
		func(kinds []int, amounts []int64) bool {
			ctx := context.Background()
			l, _ := newLedger(t)

			for i := 0; i < len(kinds) && i < len(amounts); i++ {
				// Rejected movements are part of the property.
				_, _ = l.Adjust(ctx, key, amounts[i], reasons[kinds[i]], "admin-1", 100)
			}

			report, err := l.Verify(ctx, key)
			if err != nil {
				return false
			}
			return report.Consistent() && report.Quantity >= 0
		},
		gen.SliceOf(gen.IntRange(0, len(reasons)-1)),
		gen.SliceOf(gen.Int64Range(0, 20)),
	))

	properties.TestingRun(t)
}
