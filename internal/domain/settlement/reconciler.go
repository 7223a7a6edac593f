package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/stock"
)

// Reconciler drives order status from payment callbacks.
type Reconciler struct {
	orders   order.Repository
	ledger   Ledger
	events   Publisher
	now      func() time.Time
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTracerProvider sets the tracer provider used for reconciliation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Reconciler) {
		r.tracer = tp.Tracer("github.com/xenking/grocer/internal/domain/settlement")
	}
}

// WithMeterProvider sets the meter provider used for the outcome counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Reconciler) {
		if c, err := mp.Meter("github.com/xenking/grocer/internal/domain/settlement").Int64Counter(
			"settlement.outcomes",
			metric.WithDescription("Reconciliation outcomes by kind"),
		); err == nil {
			r.outcomes = c
		}
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(orders order.Repository, ledger Ledger, events Publisher, opts ...Option) *Reconciler {
	counter, _ := metricnoop.NewMeterProvider().Meter("").Int64Counter("")
	r := &Reconciler{
		orders:   orders,
		ledger:   ledger,
		events:   events,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		outcomes: counter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies a gateway status to an order.
//
// Reaching the status the order already has is a no-op, so replayed
// callbacks never decrement stock twice. The first transition to PAID
// decrements stock for every line and updates the order in one transaction.
// When a line cannot be satisfied the order stays PENDING, is flagged
// OVERSOLD and the *stock.InsufficientStockError is returned. A transition
// out of PAID or CANCELLED is an *order.TransitionError.
func (r *Reconciler) Reconcile(ctx context.Context, orderNumber, externalStatus string) (_ *order.Order, err error) {
	ctx, span := r.tracer.Start(ctx, "settlement.Reconcile", trace.WithAttributes(
		attribute.String("order.number", orderNumber),
		attribute.String("payment.status", externalStatus),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target, err := MapStatus(externalStatus)
	if err != nil {
		return nil, err
	}

	o, err := r.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	changed, err := o.Status.Transition(target)
	if err != nil {
		r.record(ctx, "stale")
		return nil, err
	}
	if !changed {
		r.record(ctx, "replay")
		return o, nil
	}

	switch target {
	case order.StatusPaid:
		return r.settle(ctx, orderNumber, SystemActor)
	default:
		return r.cancel(ctx, orderNumber)
	}
}

// ConfirmManual settles a manual-payment order on behalf of an admin.
func (r *Reconciler) ConfirmManual(ctx context.Context, orderNumber, actorID string) (*order.Order, error) {
	if actorID == "" {
		return nil, failure.Validation("actor id is required")
	}
	o, err := r.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != order.PaymentManual {
		return nil, failure.Validation("order %s is not a manual payment", orderNumber)
	}
	changed, err := o.Status.Transition(order.StatusPaid)
	if err != nil {
		return nil, err
	}
	if !changed {
		return o, nil
	}
	return r.settle(ctx, orderNumber, actorID)
}

func (r *Reconciler) settle(ctx context.Context, orderNumber, actorID string) (*order.Order, error) {
	var (
		out     *order.Order
		settled bool
	)
	err := r.ledger.Atomically(ctx, func(ctx context.Context) error {
		settled = false
		o, err := r.orders.GetByNumber(ctx, orderNumber)
		if err != nil {
			return err
		}
		changed, err := o.Status.Transition(order.StatusPaid)
		if err != nil {
			return err
		}
		if !changed {
			out = o
			return nil
		}

		reqs := make([]stock.MovementRequest, len(o.Lines))
		for i, l := range o.Lines {
			reqs[i] = stock.MovementRequest{
				Key:         stock.Key{StoreID: o.StoreID, ProductID: l.ProductID},
				Delta:       -l.Quantity,
				Reason:      stock.ReasonSale,
				ActorID:     actorID,
				WeightGrams: l.WeightGrams,
				Reference:   o.OrderNumber,
			}
		}
		if _, err := r.ledger.Apply(ctx, reqs...); err != nil {
			return err
		}

		expected := o.Version
		if err := o.MarkPaid(r.now()); err != nil {
			return err
		}
		o.Version = expected + 1
		if err := r.orders.Update(ctx, expected, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		out, settled = o, true
		return nil
	})

	var insufficient *stock.InsufficientStockError
	if errors.As(err, &insufficient) {
		r.flagOversold(ctx, orderNumber, insufficient)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if settled {
		r.record(ctx, "paid")
		zctx.From(ctx).Info("Order settled",
			zap.String("order_number", out.OrderNumber),
			zap.String("actor_id", actorID),
		)
		r.publish(ctx, EventPaid, out, "")
	}
	return out, nil
}

func (r *Reconciler) cancel(ctx context.Context, orderNumber string) (*order.Order, error) {
	var (
		out       *order.Order
		cancelled bool
	)
	err := r.ledger.Atomically(ctx, func(ctx context.Context) error {
		cancelled = false
		o, err := r.orders.GetByNumber(ctx, orderNumber)
		if err != nil {
			return err
		}
		changed, err := o.Status.Transition(order.StatusCancelled)
		if err != nil {
			return err
		}
		if !changed {
			out = o
			return nil
		}

		expected := o.Version
		if err := o.Cancel(r.now()); err != nil {
			return err
		}
		o.Version = expected + 1
		if err := r.orders.Update(ctx, expected, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		out, cancelled = o, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		r.record(ctx, "cancelled")
		zctx.From(ctx).Info("Order cancelled", zap.String("order_number", out.OrderNumber))
		r.publish(ctx, EventCancelled, out, "")
	}
	return out, nil
}

// flagOversold records the failed settlement on the order. Failures are
// logged; the caller already returns the stock error.
func (r *Reconciler) flagOversold(ctx context.Context, orderNumber string, cause *stock.InsufficientStockError) {
	lg := zctx.From(ctx)
	note := fmt.Sprintf("oversold: product %s at store %s needs %d, %d available",
		cause.Key.ProductID, cause.Key.StoreID, cause.Requested, cause.Available)

	var flagged *order.Order
	err := r.ledger.Atomically(ctx, func(ctx context.Context) error {
		flagged = nil
		o, err := r.orders.GetByNumber(ctx, orderNumber)
		if err != nil {
			return err
		}
		if o.Status != order.StatusPending {
			return nil
		}

		expected := o.Version
		if err := o.FlagOversold(note, r.now()); err != nil {
			return err
		}
		o.Version = expected + 1
		if err := r.orders.Update(ctx, expected, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		flagged = o
		return nil
	})
	if err != nil {
		lg.Error("Flag order oversold", zap.String("order_number", orderNumber), zap.Error(err))
		return
	}
	if flagged == nil {
		return
	}

	r.record(ctx, "oversold")
	lg.Warn("Order oversold",
		zap.String("order_number", orderNumber),
		zap.String("note", note),
	)
	r.publish(ctx, EventOversold, flagged, note)
}

func (r *Reconciler) publish(ctx context.Context, kind EventKind, o *order.Order, note string) {
	if r.events == nil {
		return
	}
	err := r.events.Publish(ctx, Event{
		Kind:        kind,
		OrderNumber: o.OrderNumber,
		StoreID:     o.StoreID,
		UserID:      o.UserID,
		Total:       o.Total,
		Note:        note,
		At:          r.now(),
	})
	if err != nil {
		zctx.From(ctx).Warn("Publish settlement event",
			zap.String("event", string(kind)),
			zap.String("order_number", o.OrderNumber),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) record(ctx context.Context, outcome string) {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
