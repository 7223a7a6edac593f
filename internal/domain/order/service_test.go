package order_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/storage/memory"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []order.SessionRequest
	err      error
}

func (g *fakeGateway) CreateSession(_ context.Context, req order.SessionRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return "snap-" + req.OrderNumber, nil
}

type fakeQuoter struct {
	rates []order.Rate
	err   error
	last  order.QuoteRequest
}

func (q *fakeQuoter) Quote(_ context.Context, req order.QuoteRequest) ([]order.Rate, error) {
	q.last = req
	return q.rates, q.err
}

type fakeProofs struct {
	stored map[string]string
}

func (p *fakeProofs) Store(_ context.Context, name string, _ []byte, contentType string) (string, error) {
	if p.stored == nil {
		p.stored = make(map[string]string)
	}
	p.stored[name] = contentType
	return "https://cdn.example.com/" + name, nil
}

type fixture struct {
	svc       *order.Service
	carts     *cart.Service
	cartRepo  *memory.CartRepository
	orders    *memory.OrderRepository
	discounts *memory.DiscountRepository
	gateway   *fakeGateway
	quoter    *fakeQuoter
	proofs    *fakeProofs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()

	products := memory.NewProductRepository(db)
	for _, p := range []product.Product{
		{ID: "p-coffee", StoreID: "s-1", Name: "Coffee Beans", Price: decimal.NewFromInt(100000), WeightGrams: 250, State: product.Active},
		{ID: "p-sugar", StoreID: "s-1", Name: "Sugar 1kg", Price: decimal.NewFromInt(20000), WeightGrams: 1000, State: product.Active},
	} {
		require.NoError(t, products.Save(ctx, p))
	}

	ledger := stock.NewLedger(memory.NewStockRepository(db), db)
	for _, id := range []string{"p-coffee", "p-sugar"} {
		_, err := ledger.CreateInitialEntry(ctx, stock.Key{StoreID: "s-1", ProductID: id}, 10, "admin", 100)
		require.NoError(t, err)
	}

	discounts := memory.NewDiscountRepository(db)
	require.NoError(t, discounts.Create(ctx, discount.Discount{
		ID: "d-coffee", StoreID: "s-1", ProductID: "p-coffee",
		Type: discount.Percentage, Value: decimal.NewFromInt(20), MaxDiscountCap: decimal.NewFromInt(15000),
		StartDate: time.Now().Add(-time.Hour), State: discount.Active, CreatedAt: time.Now().Add(-time.Hour),
	}))

	cartRepo := memory.NewCartRepository(db)
	orders := memory.NewOrderRepository(db)
	f := fixture{
		carts:     cart.NewService(cartRepo, products, ledger),
		cartRepo:  cartRepo,
		orders:    orders,
		discounts: discounts,
		gateway:   &fakeGateway{},
		quoter: &fakeQuoter{rates: []order.Rate{
			{Carrier: "jne", Service: "REG", Cost: decimal.NewFromInt(12000), ETA: "2-3 days"},
			{Carrier: "jne", Service: "YES", Cost: decimal.NewFromInt(25000), ETA: "1 day"},
		}},
		proofs: &fakeProofs{},
	}
	f.svc = order.NewService(order.Deps{
		Orders:    orders,
		Carts:     cartRepo,
		Products:  products,
		Discounts: discount.NewService(discounts, discount.PolicyLatest),
		Shipping:  f.quoter,
		Payments:  f.gateway,
		Proofs:    f.proofs,
		Tx:        db,
	}, order.Config{})
	return f
}

func (f fixture) fillCart(t *testing.T, userID string) *cart.Cart {
	t.Helper()
	ctx := context.Background()
	_, err := f.carts.AddLine(ctx, userID, "p-coffee", "s-1", 2)
	require.NoError(t, err)
	c, err := f.carts.AddLine(ctx, userID, "p-sugar", "s-1", 1)
	require.NoError(t, err)
	return c
}

func checkout(c *cart.Cart) order.CheckoutRequest {
	return order.CheckoutRequest{
		UserID:    c.UserID,
		CartID:    c.ID,
		AddressID: "addr-1",
		Shipping: order.ShippingSelection{
			Carrier:    "jne",
			Service:    "reg",
			ClientCost: decimal.NewFromInt(1),
		},
		PaymentMethod: order.PaymentGateway,
	}
}

func TestService_CreateOrderGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.fillCart(t, "u-1")

	res, err := f.svc.CreateOrder(ctx, checkout(c))
	require.NoError(t, err)
	o := res.Order

	assert.True(t, strings.HasPrefix(o.OrderNumber, "ORD-"))
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "s-1", o.StoreID)
	require.Len(t, o.Lines, 2)

	// 20% of 100000 is capped at 15000 per unit.
	coffee := o.Lines[0]
	assert.Equal(t, "Coffee Beans", coffee.Name)
	assert.Equal(t, "d-coffee", coffee.DiscountID)
	assert.True(t, decimal.NewFromInt(85000).Equal(coffee.UnitPrice))
	assert.True(t, decimal.NewFromInt(170000).Equal(coffee.LineTotal))

	assert.True(t, decimal.NewFromInt(190000).Equal(o.Subtotal), o.Subtotal.String())
	assert.True(t, decimal.NewFromInt(30000).Equal(o.DiscountTotal))
	// The quoted cost wins over the client-supplied one.
	assert.True(t, decimal.NewFromInt(12000).Equal(o.ShippingTotal))
	assert.True(t, decimal.NewFromInt(202000).Equal(o.Total))
	assert.Equal(t, "REG", o.Shipping.Service)

	assert.Equal(t, "s-1", f.quoter.last.OriginID)
	assert.Equal(t, "addr-1", f.quoter.last.DestinationID)
	assert.Equal(t, int64(1500), f.quoter.last.WeightGrams)

	assert.Equal(t, "snap-"+o.OrderNumber, res.SessionToken)
	require.Len(t, f.gateway.requests, 1)
	assert.True(t, o.Total.Equal(f.gateway.requests[0].Amount))
	require.Len(t, f.gateway.requests[0].LineItems, 3)

	stored, err := f.orders.GetByNumber(ctx, o.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, res.SessionToken, stored.PaymentSessionToken)

	usages := f.discounts.Usages("d-coffee")
	require.Len(t, usages, 1)
	assert.Equal(t, o.OrderNumber, usages[0].OrderNumber)
	assert.True(t, decimal.NewFromInt(30000).Equal(usages[0].Amount))

	emptied, err := f.cartRepo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, emptied.Lines)
}

func TestService_CreateOrderGatewayFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.fillCart(t, "u-1")
	f.gateway.err = errors.New("503 service unavailable")

	_, err := f.svc.CreateOrder(ctx, checkout(c))
	require.ErrorIs(t, err, failure.ErrExternalService)

	require.Len(t, f.gateway.requests, 1)
	_, err = f.orders.GetByNumber(ctx, f.gateway.requests[0].OrderNumber)
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.Empty(t, f.discounts.Usages("d-coffee"))

	kept, err := f.cartRepo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, kept.Lines, 2)
}

func TestService_CreateOrderManual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.fillCart(t, "u-1")

	req := checkout(c)
	req.PaymentMethod = order.PaymentManual
	req.PaymentProof = &order.Proof{Data: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")}

	res, err := f.svc.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.SessionToken)
	assert.Empty(t, f.gateway.requests)

	name := "payment-proofs/" + res.Order.OrderNumber + ".png"
	assert.Equal(t, "image/png", f.proofs.stored[name])
	assert.Equal(t, "https://cdn.example.com/"+name, res.Order.PaymentProofURL)

	review, err := f.svc.ListForReview(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, res.Order.OrderNumber, review[0].OrderNumber)
}

func TestService_CreateOrderRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.fillCart(t, "u-1")
	empty, err := f.carts.GetOrCreate(ctx, "u-2")
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(r *order.CheckoutRequest)
		want   error
	}{
		{name: "missing address", modify: func(r *order.CheckoutRequest) { r.AddressID = "" }, want: failure.ErrValidation},
		{name: "unknown method", modify: func(r *order.CheckoutRequest) { r.PaymentMethod = "CASH" }, want: failure.ErrValidation},
		{name: "manual without proof", modify: func(r *order.CheckoutRequest) { r.PaymentMethod = order.PaymentManual }, want: failure.ErrValidation},
		{
			name: "manual with text proof",
			modify: func(r *order.CheckoutRequest) {
				r.PaymentMethod = order.PaymentManual
				r.PaymentProof = &order.Proof{Data: []byte("plain text")}
			},
			want: failure.ErrValidation,
		},
		{name: "foreign cart", modify: func(r *order.CheckoutRequest) { r.UserID = "u-2" }, want: failure.ErrPermission},
		{name: "empty cart", modify: func(r *order.CheckoutRequest) { r.UserID, r.CartID = "u-2", empty.ID }, want: failure.ErrValidation},
		{name: "unknown cart", modify: func(r *order.CheckoutRequest) { r.CartID = "missing" }, want: failure.ErrNotFound},
		{name: "unquoted option", modify: func(r *order.CheckoutRequest) { r.Shipping.Service = "OKE" }, want: failure.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := checkout(c)
			tt.modify(&req)
			_, err := f.svc.CreateOrder(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.gateway.requests)
}

func TestService_CreateOrderShippingFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.fillCart(t, "u-1")
	f.quoter.err = context.DeadlineExceeded

	_, err := f.svc.CreateOrder(ctx, checkout(c))
	var ext *failure.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, order.ServiceShipping, ext.Service)
}

func TestService_GetAndMarkDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.fillCart(t, "u-1")
	res, err := f.svc.CreateOrder(ctx, checkout(c))
	require.NoError(t, err)
	number := res.Order.OrderNumber

	got, err := f.svc.Get(ctx, "u-1", number)
	require.NoError(t, err)
	assert.Equal(t, number, got.OrderNumber)

	_, err = f.svc.Get(ctx, "u-2", number)
	assert.ErrorIs(t, err, order.ErrNotFound)

	_, err = f.svc.MarkDone(ctx, number)
	assert.ErrorIs(t, err, failure.ErrConflict)

	expected := got.Version
	require.NoError(t, got.MarkPaid(time.Now()))
	got.Version++
	require.NoError(t, f.orders.Update(ctx, expected, got))

	done, err := f.svc.MarkDone(ctx, number)
	require.NoError(t, err)
	assert.True(t, done.IsDone)

	again, err := f.svc.MarkDone(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)
}

func TestStatus_Transition(t *testing.T) {
	tests := []struct {
		from, to order.Status
		changed  bool
		wantErr  bool
	}{
		{from: order.StatusPending, to: order.StatusPaid, changed: true},
		{from: order.StatusPending, to: order.StatusCancelled, changed: true},
		{from: order.StatusPending, to: order.StatusPending},
		{from: order.StatusPaid, to: order.StatusPaid},
		{from: order.StatusPaid, to: order.StatusCancelled, wantErr: true},
		{from: order.StatusCancelled, to: order.StatusPaid, wantErr: true},
		{from: order.StatusPaid, to: order.StatusPending, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			changed, err := tt.from.Transition(tt.to)
			assert.Equal(t, tt.changed, changed)
			if tt.wantErr {
				assert.ErrorIs(t, err, failure.ErrConflict)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewOrderNumber(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	n := order.NewOrderNumber(at)
	assert.Len(t, n, len("ORD-20260310-9F2C41AB"))
	assert.True(t, strings.HasPrefix(n, "ORD-20260310-"))
	assert.NotEqual(t, n, order.NewOrderNumber(at))
}
