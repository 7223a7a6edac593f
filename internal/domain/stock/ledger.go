package stock

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/failure"
)

// DefaultMaxAttempts bounds the retries of a unit of work whose optimistic
// version check failed.
const DefaultMaxAttempts = 3

// ConflictExhaustedError is returned when every attempt of a unit of work
// lost a concurrent-write race.
type ConflictExhaustedError struct {
	Attempts int
}

func (e *ConflictExhaustedError) Error() string {
	return "concurrent stock update: gave up after " + strconv.Itoa(e.Attempts) + " attempts"
}

// Is reports failure.ErrConflict as the kind of e.
func (e *ConflictExhaustedError) Is(target error) bool {
	return target == failure.ErrConflict
}

// Ledger records stock movements and keeps balances consistent with the
// journal.
type Ledger struct {
	repo        Repository
	tx          Transactor
	maxAttempts int
	now         func() time.Time
	newID       func() string
	tracer      trace.Tracer
	conflicts   metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithTracerProvider sets the tracer provider used for ledger spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Ledger) {
		l.tracer = tp.Tracer("github.com/xenking/grocer/internal/domain/stock")
	}
}

// WithMeterProvider sets the meter provider used for the conflict counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Ledger) {
		meter := mp.Meter("github.com/xenking/grocer/internal/domain/stock")
		if c, err := meter.Int64Counter("stock.write_conflicts",
			metric.WithDescription("Optimistic stock writes that lost a race and were retried"),
		); err == nil {
			l.conflicts = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a Ledger over the given repository and transactor.
func NewLedger(repo Repository, tx Transactor, opts ...Option) *Ledger {
	counter, _ := metricnoop.NewMeterProvider().Meter("").Int64Counter("")
	l := &Ledger{
		repo:        repo,
		tx:          tx,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
		tracer:      tracenoop.NewTracerProvider().Tracer(""),
		conflicts:   counter,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Atomically runs fn in one transaction. When the transaction fails with
// failure.ErrVersionConflict the whole unit is retried, up to the configured
// number of attempts, after which a ConflictExhaustedError is returned.
//
// fn must be safe to re-run and Atomically must not be nested.
func (l *Ledger) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	lg := zctx.From(ctx)
	for attempt := 1; ; attempt++ {
		err := l.tx.WithinTx(ctx, fn)
		if !errors.Is(err, failure.ErrVersionConflict) {
			return err
		}

		l.conflicts.Add(ctx, 1)
		if attempt >= l.maxAttempts {
			lg.Warn("Stock write conflict, giving up", zap.Int("attempts", attempt))
			return &ConflictExhaustedError{Attempts: attempt}
		}
		lg.Debug("Stock write conflict, retrying", zap.Int("attempt", attempt))

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// RecordMovement records a single movement and returns the resulting balance.
func (l *Ledger) RecordMovement(ctx context.Context, req MovementRequest) (_ Balance, err error) {
	ctx, span := l.tracer.Start(ctx, "stock.RecordMovement", trace.WithAttributes(
		attribute.String("store.id", req.Key.StoreID),
		attribute.String("product.id", req.Key.ProductID),
		attribute.String("stock.reason", string(req.Reason)),
		attribute.Int64("stock.delta", req.Delta),
	))
	defer endSpan(span, &err)

	var out Balance
	err = l.Atomically(ctx, func(ctx context.Context) error {
		balances, err := l.Apply(ctx, req)
		if err != nil {
			return err
		}
		out = balances[0]
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return out, nil
}

// Adjust is the admin entry point for manual stock changes. For ADD, RESTOCK
// and SALE quantity is the positive amount moved. For ADJUSTMENT quantity is
// the absolute counted stock and the recorded delta is the difference to the
// current balance, so an adjustment never produces a negative balance.
func (l *Ledger) Adjust(ctx context.Context, key Key, quantity int64, reason Reason, actorID string, weightGrams int64) (Balance, error) {
	req := MovementRequest{
		Key:         key,
		Reason:      reason,
		ActorID:     actorID,
		WeightGrams: weightGrams,
	}

	switch reason {
	case ReasonAdd, ReasonRestock:
		if quantity <= 0 {
			return Balance{}, failure.Validation("%s quantity must be greater than 0", reason)
		}
		req.Delta = quantity
		return l.RecordMovement(ctx, req)
	case ReasonSale:
		if quantity <= 0 {
			return Balance{}, failure.Validation("%s quantity must be greater than 0", reason)
		}
		req.Delta = -quantity
		return l.RecordMovement(ctx, req)
	case ReasonAdjustment:
		if quantity < 0 {
			return Balance{}, failure.Validation("counted quantity must not be negative")
		}
		req.Target = &quantity
		return l.RecordMovement(ctx, req)
	default:
		return Balance{}, failure.Validation("unknown movement reason %q", reason)
	}
}

// Apply records every request inside the caller's transaction and returns the
// resulting balances in request order. Requests for the same key are applied
// cumulatively. Either every request is valid and written or an error is
// returned; the caller's transaction must then be rolled back.
//
// Apply does not retry; wrap it in Atomically.
func (l *Ledger) Apply(ctx context.Context, reqs ...MovementRequest) ([]Balance, error) {
	if len(reqs) == 0 {
		return nil, failure.Validation("no movements to record")
	}
	for _, req := range reqs {
		if err := validateRequest(req); err != nil {
			return nil, err
		}
	}

	type working struct {
		balance  Balance
		expected int64
		dirty    bool
	}
	var (
		now      = l.now()
		byKey    = make(map[Key]*working, len(reqs))
		pending  = make([]Movement, 0, len(reqs))
		snapshot = make([]Key, 0, len(reqs))
	)

	for _, req := range reqs {
		w, ok := byKey[req.Key]
		if !ok {
			b, err := l.balance(ctx, req.Key)
			if err != nil {
				return nil, err
			}
			w = &working{balance: b, expected: b.Version}
			byKey[req.Key] = w
		}

		b := &w.balance
		if b.State == Retired && req.Reason != ReasonAdd {
			return nil, failure.Validation("stock entry %s is retired", req.Key)
		}
		if req.Target != nil {
			req.Delta = *req.Target - b.Quantity
			if req.Delta == 0 {
				snapshot = append(snapshot, req.Key)
				continue
			}
		}

		next := b.Quantity + req.Delta
		if next < 0 && req.Reason != ReasonAdjustment {
			return nil, &InsufficientStockError{
				Key:       req.Key,
				Requested: -req.Delta,
				Available: b.Quantity,
			}
		}
		if next < 0 {
			return nil, failure.Validation("adjustment would make %s negative", req.Key)
		}

		b.Quantity = next
		b.State = Active
		b.UpdatedAt = now
		w.dirty = true

		pending = append(pending, Movement{
			ID:           l.newID(),
			Key:          req.Key,
			Delta:        req.Delta,
			Reason:       req.Reason,
			ActorID:      req.ActorID,
			WeightGrams:  req.WeightGrams,
			BalanceAfter: next,
			Reference:    req.Reference,
			CreatedAt:    now,
		})
		snapshot = append(snapshot, req.Key)
	}

	keys := make([]Key, 0, len(byKey))
	for k, w := range byKey {
		if w.dirty {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, compareKeys)

	for _, k := range keys {
		w := byKey[k]
		next := w.balance
		next.Version = w.expected + 1
		if err := l.repo.PutBalance(ctx, w.expected, next); err != nil {
			return nil, errors.Wrapf(err, "put balance %s", k)
		}
		w.balance = next
	}
	for _, m := range pending {
		if err := l.repo.AppendMovement(ctx, m); err != nil {
			return nil, errors.Wrapf(err, "append movement %s", m.Key)
		}
	}

	out := make([]Balance, len(snapshot))
	for i, k := range snapshot {
		out[i] = byKey[k].balance
	}
	return out, nil
}

// CreateInitialEntry creates the balance of a (store, product) pair. It fails
// with a conflict if an entry already exists.
func (l *Ledger) CreateInitialEntry(ctx context.Context, key Key, quantity int64, actorID string, weightGrams int64) (_ Balance, err error) {
	ctx, span := l.tracer.Start(ctx, "stock.CreateInitialEntry", trace.WithAttributes(
		attribute.String("store.id", key.StoreID),
		attribute.String("product.id", key.ProductID),
		attribute.Int64("stock.quantity", quantity),
	))
	defer endSpan(span, &err)

	if err := validateKey(key); err != nil {
		return Balance{}, err
	}
	if quantity < 0 {
		return Balance{}, failure.Validation("initial quantity must not be negative")
	}
	if actorID == "" {
		return Balance{}, failure.Validation("actor id is required")
	}

	var out Balance
	err = l.Atomically(ctx, func(ctx context.Context) error {
		_, err := l.repo.GetBalance(ctx, key)
		switch {
		case err == nil:
			return failure.Conflict("stock entry for %s already exists", key)
		case !errors.Is(err, ErrBalanceNotFound):
			return errors.Wrap(err, "get balance")
		}

		if quantity == 0 {
			b := Balance{Key: key, State: Active, Version: 1, UpdatedAt: l.now()}
			if err := l.repo.PutBalance(ctx, 0, b); err != nil {
				return errors.Wrap(err, "put balance")
			}
			out = b
			return nil
		}

		balances, err := l.Apply(ctx, MovementRequest{
			Key:         key,
			Delta:       quantity,
			Reason:      ReasonAdd,
			ActorID:     actorID,
			WeightGrams: weightGrams,
		})
		if err != nil {
			return err
		}
		out = balances[0]
		return nil
	})
	if errors.Is(err, failure.ErrConflict) {
		var exhausted *ConflictExhaustedError
		if errors.As(err, &exhausted) {
			// Lost every race against concurrent creators; the entry exists.
			return Balance{}, failure.Conflict("stock entry for %s already exists", key)
		}
	}
	if err != nil {
		return Balance{}, err
	}
	return out, nil
}

// Retire writes a balancing SALE movement for the remaining quantity and
// marks the balance retired. Retiring a retired balance is a no-op.
func (l *Ledger) Retire(ctx context.Context, key Key, actorID string) (_ Balance, err error) {
	ctx, span := l.tracer.Start(ctx, "stock.Retire", trace.WithAttributes(
		attribute.String("store.id", key.StoreID),
		attribute.String("product.id", key.ProductID),
	))
	defer endSpan(span, &err)

	if actorID == "" {
		return Balance{}, failure.Validation("actor id is required")
	}

	var out Balance
	err = l.Atomically(ctx, func(ctx context.Context) error {
		b, err := l.repo.GetBalance(ctx, key)
		if err != nil {
			return errors.Wrap(err, "get balance")
		}
		if b.State == Retired {
			out = *b
			return nil
		}

		current := *b
		if current.Quantity > 0 {
			balances, err := l.Apply(ctx, MovementRequest{
				Key:     key,
				Delta:   -current.Quantity,
				Reason:  ReasonSale,
				ActorID: actorID,
			})
			if err != nil {
				return err
			}
			current = balances[0]
			if current.Quantity != 0 {
				// The balance moved between the two reads.
				return failure.ErrVersionConflict
			}
		}

		retired := current
		retired.Quantity = 0
		retired.State = Retired
		retired.UpdatedAt = l.now()
		retired.Version = current.Version + 1
		if err := l.repo.PutBalance(ctx, current.Version, retired); err != nil {
			return errors.Wrap(err, "retire balance")
		}
		out = retired
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return out, nil
}

// GetBalance returns the available quantity of key, 0 when no entry exists.
func (l *Ledger) GetBalance(ctx context.Context, key Key) (int64, error) {
	b, err := l.balance(ctx, key)
	if err != nil {
		return 0, err
	}
	return b.Quantity, nil
}

// Balance returns the full balance row of key. A zero-version Active balance
// is returned when no entry exists.
func (l *Ledger) Balance(ctx context.Context, key Key) (Balance, error) {
	return l.balance(ctx, key)
}

// History returns the movement journal of key, oldest first.
func (l *Ledger) History(ctx context.Context, key Key, limit int) ([]Movement, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	movements, err := l.repo.ListMovements(ctx, key, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list movements")
	}
	return movements, nil
}

// ReplayReport compares a balance with the sum of its journal.
type ReplayReport struct {
	Key        Key
	Quantity   int64
	JournalSum int64
	Movements  int
}

// Consistent reports whether the balance equals the replayed journal.
func (r ReplayReport) Consistent() bool {
	return r.Quantity == r.JournalSum
}

// Verify replays the journal of key and reports whether it matches the
// stored balance.
func (l *Ledger) Verify(ctx context.Context, key Key) (ReplayReport, error) {
	b, err := l.balance(ctx, key)
	if err != nil {
		return ReplayReport{}, err
	}
	movements, err := l.History(ctx, key, 0)
	if err != nil {
		return ReplayReport{}, err
	}

	report := ReplayReport{Key: key, Quantity: b.Quantity, Movements: len(movements)}
	for _, m := range movements {
		report.JournalSum += m.Delta
	}
	return report, nil
}

func (l *Ledger) balance(ctx context.Context, key Key) (Balance, error) {
	if err := validateKey(key); err != nil {
		return Balance{}, err
	}
	b, err := l.repo.GetBalance(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{Key: key, State: Active}, nil
	}
	if err != nil {
		return Balance{}, errors.Wrap(err, "get balance")
	}
	return *b, nil
}

func validateKey(key Key) error {
	if key.StoreID == "" || key.ProductID == "" {
		return failure.Validation("store id and product id are required")
	}
	return nil
}

func validateRequest(req MovementRequest) error {
	if err := validateKey(req.Key); err != nil {
		return err
	}
	if req.ActorID == "" {
		return failure.Validation("actor id is required")
	}
	switch req.Reason {
	case ReasonAdd, ReasonRestock:
		if req.Delta <= 0 {
			return failure.Validation("%s movement must have a positive delta", req.Reason)
		}
	case ReasonSale:
		if req.Delta >= 0 {
			return failure.Validation("%s movement must have a negative delta", req.Reason)
		}
	case ReasonAdjustment:
		if req.Target != nil {
			if *req.Target < 0 {
				return failure.Validation("counted quantity must not be negative")
			}
			return nil
		}
		if req.Delta == 0 {
			return failure.Validation("%s movement must have a non-zero delta", req.Reason)
		}
	default:
		return failure.Validation("unknown movement reason %q", req.Reason)
	}
	if req.Target != nil {
		return failure.Validation("%s movement cannot set a target quantity", req.Reason)
	}
	return nil
}

func compareKeys(a, b Key) int {
	switch {
	case a == b:
		return 0
	case a.Less(b):
		return -1
	default:
		return 1
	}
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	} else {
		span.SetStatus(codes.Ok, "OK")
	}
	span.End()
}
