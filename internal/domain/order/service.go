package order

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
)

// Service names used in ExternalServiceError values.
const (
	ServicePayment  = "payment gateway"
	ServiceShipping = "shipping rates"
	ServiceStorage  = "object storage"
)

// DefaultMaxProofBytes limits uploaded payment proofs.
const DefaultMaxProofBytes = 5 << 20

var proofTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// ShippingSelection is the carrier option picked by the shopper. ClientCost
// is what the client displayed; it is never trusted or stored.
type ShippingSelection struct {
	Carrier    string
	Service    string
	ClientCost decimal.Decimal
}

// Proof is an uploaded manual-payment proof.
type Proof struct {
	Data []byte
}

// CheckoutRequest holds the input for converting a cart into an order.
type CheckoutRequest struct {
	UserID        string
	CartID        string
	AddressID     string
	Shipping      ShippingSelection
	PaymentMethod PaymentMethod
	PaymentProof  *Proof
}

// CheckoutResult is a created order and, for gateway payments, the session
// token the client pays with.
type CheckoutResult struct {
	Order        *Order
	SessionToken string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Orders    Repository
	Carts     cart.Repository
	Products  product.Repository
	Discounts Discounts
	Shipping  ShippingQuoter
	Payments  PaymentSessions
	Proofs    ProofStore
	Locker    Locker
	Tx        Transactor
}

// Config tunes a Service.
type Config struct {
	PaymentTimeout  time.Duration
	ShippingTimeout time.Duration
	MaxProofBytes   int
	TracerProvider  trace.TracerProvider
	MeterProvider   metric.MeterProvider
}

// Service builds orders from carts and serves order reads.
type Service struct {
	Deps
	paymentTimeout  time.Duration
	shippingTimeout time.Duration
	maxProofBytes   int
	now             func() time.Time
	newNumber       func(time.Time) string
	tracer          trace.Tracer
	created         metric.Int64Counter
}

// NewService creates an order Service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Locker == nil {
		deps.Locker = NopLocker{}
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 10 * time.Second
	}
	if cfg.ShippingTimeout <= 0 {
		cfg.ShippingTimeout = 5 * time.Second
	}
	if cfg.MaxProofBytes <= 0 {
		cfg.MaxProofBytes = DefaultMaxProofBytes
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = metricnoop.NewMeterProvider()
	}

	const scope = "github.com/xenking/grocer/internal/domain/order"
	created, _ := cfg.MeterProvider.Meter(scope).Int64Counter("orders.created",
		metric.WithDescription("Orders created at checkout"),
	)

	return &Service{
		Deps:            deps,
		paymentTimeout:  cfg.PaymentTimeout,
		shippingTimeout: cfg.ShippingTimeout,
		maxProofBytes:   cfg.MaxProofBytes,
		now:             func() time.Time { return time.Now().UTC() },
		newNumber:       NewOrderNumber,
		tracer:          cfg.TracerProvider.Tracer(scope),
		created:         created,
	}
}

// NewOrderNumber returns an external-facing order number such as
// ORD-20260310-9F2C41AB.
func NewOrderNumber(at time.Time) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "ORD-" + at.Format("20060102") + "-" + strings.ToUpper(id[:8])
}

// CreateOrder converts the user's cart into a PENDING order.
//
// Totals come from the cart's price snapshots, the live discount and an
// authoritative shipping quote. For gateway payments the session is created
// before anything is persisted; if the gateway fails no order exists. The
// order, its discount usages and the emptied cart are then written in one
// transaction. Stock is not touched.
func (s *Service) CreateOrder(ctx context.Context, req CheckoutRequest) (_ *CheckoutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "order.CreateOrder", trace.WithAttributes(
		attribute.String("cart.id", req.CartID),
		attribute.String("payment.method", string(req.PaymentMethod)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.validateCheckout(req); err != nil {
		return nil, err
	}

	unlock, err := s.Locker.Lock(ctx, cart.LockKey(req.CartID))
	if err != nil {
		return nil, err
	}
	defer unlock(context.WithoutCancel(ctx))

	c, err := s.Carts.GetByID(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	if c.UserID != req.UserID {
		return nil, failure.Permission("cart %s does not belong to the caller", req.CartID)
	}
	if len(c.Lines) == 0 {
		return nil, failure.Validation("cart is empty")
	}

	now := s.now()
	o := &Order{
		ID:            uuid.New().String(),
		OrderNumber:   s.newNumber(now),
		UserID:        req.UserID,
		StoreID:       c.StoreID,
		AddressID:     req.AddressID,
		Status:        StatusPending,
		Review:        ReviewNone,
		PaymentMethod: req.PaymentMethod,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	span.SetAttributes(attribute.String("order.number", o.OrderNumber))

	usages, err := s.priceLines(ctx, c, o)
	if err != nil {
		return nil, err
	}

	rate, err := s.quote(ctx, o, req.Shipping)
	if err != nil {
		return nil, err
	}
	o.ShippingTotal = rate.Cost
	o.Shipping = Shipping{Carrier: rate.Carrier, Service: rate.Service, ETA: rate.ETA}
	o.Total = o.Subtotal.Add(o.ShippingTotal)

	result := &CheckoutResult{Order: o}
	switch req.PaymentMethod {
	case PaymentGateway:
		token, err := s.createSession(ctx, o)
		if err != nil {
			return nil, err
		}
		o.PaymentSessionToken = token
		result.SessionToken = token
	case PaymentManual:
		url, err := s.storeProof(ctx, o.OrderNumber, req.PaymentProof)
		if err != nil {
			return nil, err
		}
		o.PaymentProofURL = url
	}

	for i := range usages {
		usages[i].OrderNumber = o.OrderNumber
	}
	if err := s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.Orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		if err := s.Discounts.RecordUsage(ctx, usages...); err != nil {
			return err
		}
		if err := s.Carts.Clear(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear cart")
		}
		return nil
	}); err != nil {
		if o.PaymentSessionToken != "" {
			zctx.From(ctx).Warn("Order not persisted after payment session was created",
				zap.String("order_number", o.OrderNumber),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("payment.method", string(o.PaymentMethod))))
	zctx.From(ctx).Info("Order created",
		zap.String("order_number", o.OrderNumber),
		zap.String("store_id", o.StoreID),
		zap.String("total", o.Total.String()),
	)
	return result, nil
}

func (s *Service) validateCheckout(req CheckoutRequest) error {
	if req.UserID == "" || req.CartID == "" || req.AddressID == "" {
		return failure.Validation("user id, cart id and address id are required")
	}
	if req.Shipping.Carrier == "" || req.Shipping.Service == "" {
		return failure.Validation("shipping carrier and service are required")
	}
	if !req.PaymentMethod.Valid() {
		return failure.Validation("unknown payment method %q", req.PaymentMethod)
	}
	if req.PaymentMethod == PaymentManual {
		if req.PaymentProof == nil || len(req.PaymentProof.Data) == 0 {
			return failure.Validation("manual payment requires a payment proof")
		}
		if len(req.PaymentProof.Data) > s.maxProofBytes {
			return failure.Validation("payment proof exceeds %d bytes", s.maxProofBytes)
		}
	}
	return nil
}

// priceLines fills the order lines and subtotals and returns the discount
// usages to record.
func (s *Service) priceLines(ctx context.Context, c *cart.Cart, o *Order) ([]discount.Usage, error) {
	ids := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		ids[i] = l.ProductID
	}
	fetched, err := s.Products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	names := make(map[string]string, len(fetched))
	for _, p := range fetched {
		names[p.ID] = p.Name
	}

	var usages []discount.Usage
	o.Subtotal, o.DiscountTotal = decimal.Zero, decimal.Zero
	o.Lines = make([]Line, 0, len(c.Lines))
	for _, cl := range c.Lines {
		name, ok := names[cl.ProductID]
		if !ok {
			return nil, failure.NotFound("product %s not found", cl.ProductID)
		}

		ev, err := s.Discounts.EvaluateFor(ctx, c.StoreID, cl.ProductID, cl.UnitPriceSnapshot, cl.Quantity)
		if err != nil {
			return nil, errors.Wrap(err, "evaluate discount")
		}

		qty := decimal.NewFromInt(cl.Quantity)
		line := Line{
			ProductID:         cl.ProductID,
			Name:              name,
			UnitPrice:         ev.FinalUnitPrice,
			OriginalUnitPrice: cl.UnitPriceSnapshot,
			DiscountPerUnit:   decimal.Zero,
			Quantity:          cl.Quantity,
			LineTotal:         ev.FinalUnitPrice.Mul(qty),
			WeightGrams:       cl.WeightGrams,
		}
		if ev.Discount != nil && ev.Applicable && ev.DiscountPerUnit.IsPositive() {
			amount := ev.DiscountPerUnit.Mul(qty)
			line.DiscountID = ev.Discount.ID
			line.DiscountPerUnit = ev.DiscountPerUnit
			o.DiscountTotal = o.DiscountTotal.Add(amount)
			usages = append(usages, discount.Usage{
				DiscountID: ev.Discount.ID,
				UserID:     o.UserID,
				ProductID:  cl.ProductID,
				Amount:     amount,
			})
		}

		o.Subtotal = o.Subtotal.Add(line.LineTotal)
		o.Lines = append(o.Lines, line)
	}
	return usages, nil
}

func (s *Service) quote(ctx context.Context, o *Order, sel ShippingSelection) (Rate, error) {
	qctx, cancel := context.WithTimeout(ctx, s.shippingTimeout)
	defer cancel()

	rates, err := s.Shipping.Quote(qctx, QuoteRequest{
		OriginID:      o.StoreID,
		DestinationID: o.AddressID,
		WeightGrams:   o.TotalWeight(),
		Value:         o.Subtotal,
	})
	if err != nil {
		return Rate{}, failure.External(ServiceShipping, err)
	}

	for _, r := range rates {
		if strings.EqualFold(r.Carrier, sel.Carrier) && strings.EqualFold(r.Service, sel.Service) {
			if !sel.ClientCost.IsZero() && !sel.ClientCost.Equal(r.Cost) {
				zctx.From(ctx).Debug("Client shipping cost differs from quote",
					zap.String("client_cost", sel.ClientCost.String()),
					zap.String("quoted_cost", r.Cost.String()),
				)
			}
			return r, nil
		}
	}
	return Rate{}, failure.Validation("shipping option %s %s is not available", sel.Carrier, sel.Service)
}

func (s *Service) createSession(ctx context.Context, o *Order) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()

	items := make([]SessionItem, 0, len(o.Lines)+1)
	for _, l := range o.Lines {
		items = append(items, SessionItem{ProductID: l.ProductID, Name: l.Name, Price: l.UnitPrice, Quantity: l.Quantity})
	}
	if o.ShippingTotal.IsPositive() {
		items = append(items, SessionItem{
			ProductID: "shipping",
			Name:      o.Shipping.Carrier + " " + o.Shipping.Service,
			Price:     o.ShippingTotal,
			Quantity:  1,
		})
	}

	token, err := s.Payments.CreateSession(sctx, SessionRequest{
		OrderNumber: o.OrderNumber,
		Amount:      o.Total,
		LineItems:   items,
		Customer:    Customer{UserID: o.UserID, AddressID: o.AddressID},
	})
	if err != nil {
		return "", failure.External(ServicePayment, err)
	}
	if token == "" {
		return "", failure.External(ServicePayment, errors.New("empty session token"))
	}
	return token, nil
}

func (s *Service) storeProof(ctx context.Context, orderNumber string, proof *Proof) (string, error) {
	contentType := http.DetectContentType(proof.Data)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	ext, ok := proofTypes[contentType]
	if !ok {
		return "", failure.Validation("payment proof must be a JPEG, PNG or PDF file, got %s", contentType)
	}

	url, err := s.Proofs.Store(ctx, "payment-proofs/"+orderNumber+ext, proof.Data, contentType)
	if err != nil {
		return "", failure.External(ServiceStorage, err)
	}
	return url, nil
}

// Get returns an order of the user. Orders of other users are reported as
// not found.
func (s *Service) Get(ctx context.Context, userID, orderNumber string) (*Order, error) {
	o, err := s.Orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// Lookup returns an order regardless of owner. It backs admin endpoints.
func (s *Service) Lookup(ctx context.Context, orderNumber string) (*Order, error) {
	return s.Orders.GetByNumber(ctx, orderNumber)
}

// ListForReview returns orders needing an admin: oversold settlements and
// manual payments awaiting confirmation.
func (s *Service) ListForReview(ctx context.Context, storeID string) ([]Order, error) {
	orders, err := s.Orders.ListForReview(ctx, storeID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders for review")
	}
	return orders, nil
}

// MarkDone sets the fulfillment flag of a paid order. Marking a done order
// again is a no-op.
func (s *Service) MarkDone(ctx context.Context, orderNumber string) (*Order, error) {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := s.Orders.GetByNumber(ctx, orderNumber)
		if err != nil {
			return nil, err
		}
		if o.IsDone {
			return o, nil
		}

		expected := o.Version
		if err := o.MarkDone(s.now()); err != nil {
			return nil, err
		}
		o.Version = expected + 1

		err = s.Orders.Update(ctx, expected, o)
		if errors.Is(err, failure.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "update order")
		}
		return o, nil
	}
	return nil, failure.Conflict("order %s was modified concurrently", orderNumber)
}
