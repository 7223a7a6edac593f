// Package handler serves the grocer HTTP API on a net/http ServeMux.
package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/settlement"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/stockimport"
)

const (
	defaultMaxBodyBytes = 8 << 20
	defaultHistoryLimit = 50
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	// When empty, image paths are returned as stored.
	ImageBaseURL string
	// WebhookSecret verifies the signature of payment notifications.
	WebhookSecret []byte
	// HistoryLimit bounds the movements returned by the admin stock view.
	HistoryLimit int
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// Deps are the services the Handler delegates to.
type Deps struct {
	Products   product.Repository
	Ledger     *stock.Ledger
	Discounts  *discount.Service
	Carts      *cart.Service
	Orders     *order.Service
	Settlement *settlement.Reconciler
	Importer   *stockimport.Importer
	Tokens     *auth.TokenVerifier
	Keys       *auth.KeyVerifier
}

// Handler implements the HTTP API.
type Handler struct {
	Deps

	cfg      Config
	validate *validator.Validate
}

// New constructs a Handler.
func New(deps Deps, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Handler{
		Deps:     deps,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds every API route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/products", h.listProducts)
	mux.HandleFunc("GET /api/products/{productID}", h.getProduct)
	mux.HandleFunc("GET /api/discounts/evaluate", h.evaluateDiscount)

	mux.Handle("GET /api/cart", h.user(h.getCart))
	mux.Handle("POST /api/cart/lines", h.user(h.addCartLine))
	mux.Handle("PATCH /api/cart/lines/{lineID}", h.user(h.updateCartLine))
	mux.Handle("DELETE /api/cart/lines/{lineID}", h.user(h.removeCartLine))

	mux.Handle("POST /api/orders", h.user(h.createOrder))
	mux.Handle("GET /api/orders/{orderNumber}", h.user(h.getOrder))

	mux.HandleFunc("POST /api/payments/webhook", h.paymentWebhook)

	mux.Handle("POST /api/admin/stock/import", h.admin(h.importStock))
	mux.Handle("POST /api/admin/stock/{storeID}/{productID}", h.admin(h.createStockEntry))
	mux.Handle("POST /api/admin/stock/{storeID}/{productID}/movements", h.admin(h.adjustStock))
	mux.Handle("DELETE /api/admin/stock/{storeID}/{productID}", h.admin(h.retireStock))
	mux.Handle("GET /api/admin/stock/{storeID}/{productID}", h.admin(h.getStock))

	mux.Handle("POST /api/admin/discounts", h.admin(h.createDiscount))
	mux.Handle("DELETE /api/admin/discounts/{discountID}", h.admin(h.retireDiscount))

	mux.Handle("GET /api/admin/orders/review", h.admin(h.listReview))
	mux.Handle("POST /api/admin/orders/{orderNumber}/confirm", h.admin(h.confirmOrder))
	mux.Handle("POST /api/admin/orders/{orderNumber}/done", h.admin(h.markOrderDone))
}
