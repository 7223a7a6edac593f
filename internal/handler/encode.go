package handler

import (
	"strings"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
)

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(2))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func (h *Handler) imageURL(path string) string {
	if path == "" || h.cfg.ImageBaseURL == "" || strings.Contains(path, "://") {
		return path
	}
	return strings.TrimRight(h.cfg.ImageBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// encodeProduct writes p. A non-nil eval adds the evaluated discount.
func (h *Handler) encodeProduct(e *jx.Encoder, p product.Product, eval *discount.Evaluation) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("store_id")
	e.Str(p.StoreID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("category")
	e.Str(p.Category)
	e.FieldStart("price")
	money(e, p.Price)
	e.FieldStart("weight_grams")
	e.Int64(p.WeightGrams)
	e.FieldStart("state")
	e.Str(string(p.State))
	e.FieldStart("image")
	e.ObjStart()
	e.FieldStart("thumbnail")
	e.Str(h.imageURL(p.Image.Thumbnail))
	e.FieldStart("mobile")
	e.Str(h.imageURL(p.Image.Mobile))
	e.FieldStart("tablet")
	e.Str(h.imageURL(p.Image.Tablet))
	e.FieldStart("desktop")
	e.Str(h.imageURL(p.Image.Desktop))
	e.ObjEnd()
	if eval != nil {
		e.FieldStart("discount")
		encodeEvaluation(e, *eval)
	}
	e.ObjEnd()
}

func encodeEvaluation(e *jx.Encoder, eval discount.Evaluation) {
	e.ObjStart()
	e.FieldStart("applicable")
	e.Bool(eval.Applicable)
	if eval.Discount != nil {
		e.FieldStart("discount_id")
		e.Str(eval.Discount.ID)
	}
	if eval.Label != "" {
		e.FieldStart("label")
		e.Str(eval.Label)
	}
	e.FieldStart("final_unit_price")
	money(e, eval.FinalUnitPrice)
	e.FieldStart("discount_per_unit")
	money(e, eval.DiscountPerUnit)
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, c *cart.Cart) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("user_id")
	e.Str(c.UserID)
	e.FieldStart("store_id")
	e.Str(c.StoreID)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range c.Lines {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(l.ID)
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("quantity")
		e.Int64(l.Quantity)
		e.FieldStart("unit_price")
		money(e, l.UnitPriceSnapshot)
		e.FieldStart("subtotal")
		money(e, l.UnitPriceSnapshot.Mul(decimal.NewFromInt(l.Quantity)))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	money(e, c.Subtotal())
	e.FieldStart("updated_at")
	timestamp(e, c.UpdatedAt)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("order_number")
	e.Str(o.OrderNumber)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	e.FieldStart("store_id")
	e.Str(o.StoreID)
	e.FieldStart("address_id")
	e.Str(o.AddressID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("review")
	e.Str(string(o.Review))
	if o.ReviewNote != "" {
		e.FieldStart("review_note")
		e.Str(o.ReviewNote)
	}
	e.FieldStart("is_done")
	e.Bool(o.IsDone)
	e.FieldStart("payment_method")
	e.Str(string(o.PaymentMethod))
	if o.PaymentProofURL != "" {
		e.FieldStart("payment_proof_url")
		e.Str(o.PaymentProofURL)
	}
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("name")
		e.Str(l.Name)
		e.FieldStart("quantity")
		e.Int64(l.Quantity)
		e.FieldStart("original_unit_price")
		money(e, l.OriginalUnitPrice)
		e.FieldStart("unit_price")
		money(e, l.UnitPrice)
		if l.DiscountID != "" {
			e.FieldStart("discount_id")
			e.Str(l.DiscountID)
			e.FieldStart("discount_per_unit")
			money(e, l.DiscountPerUnit)
		}
		e.FieldStart("line_total")
		money(e, l.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("shipping")
	e.ObjStart()
	e.FieldStart("carrier")
	e.Str(o.Shipping.Carrier)
	e.FieldStart("service")
	e.Str(o.Shipping.Service)
	e.FieldStart("eta")
	e.Str(o.Shipping.ETA)
	e.ObjEnd()
	e.FieldStart("subtotal")
	money(e, o.Subtotal)
	e.FieldStart("discount_total")
	money(e, o.DiscountTotal)
	e.FieldStart("shipping_total")
	money(e, o.ShippingTotal)
	e.FieldStart("total")
	money(e, o.Total)
	e.FieldStart("created_at")
	timestamp(e, o.CreatedAt)
	if o.PaidAt != nil {
		e.FieldStart("paid_at")
		timestamp(e, *o.PaidAt)
	}
	e.ObjEnd()
}

func encodeBalance(e *jx.Encoder, b stock.Balance) {
	e.ObjStart()
	e.FieldStart("store_id")
	e.Str(b.StoreID)
	e.FieldStart("product_id")
	e.Str(b.ProductID)
	e.FieldStart("quantity")
	e.Int64(b.Quantity)
	e.FieldStart("state")
	e.Str(string(b.State))
	e.FieldStart("version")
	e.Int64(b.Version)
	if !b.UpdatedAt.IsZero() {
		e.FieldStart("updated_at")
		timestamp(e, b.UpdatedAt)
	}
	e.ObjEnd()
}

func encodeMovement(e *jx.Encoder, m stock.Movement) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(m.ID)
	e.FieldStart("delta")
	e.Int64(m.Delta)
	e.FieldStart("reason")
	e.Str(string(m.Reason))
	e.FieldStart("actor_id")
	e.Str(m.ActorID)
	e.FieldStart("balance_after")
	e.Int64(m.BalanceAfter)
	e.FieldStart("weight_grams")
	e.Int64(m.WeightGrams)
	if m.Reference != "" {
		e.FieldStart("reference")
		e.Str(m.Reference)
	}
	e.FieldStart("created_at")
	timestamp(e, m.CreatedAt)
	e.ObjEnd()
}

func encodeDiscount(e *jx.Encoder, d *discount.Discount) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(d.ID)
	e.FieldStart("store_id")
	e.Str(d.StoreID)
	e.FieldStart("product_id")
	e.Str(d.ProductID)
	e.FieldStart("type")
	e.Str(string(d.Type))
	e.FieldStart("value")
	e.Str(d.Value.String())
	e.FieldStart("min_purchase")
	money(e, d.MinPurchase)
	e.FieldStart("max_discount_cap")
	money(e, d.MaxDiscountCap)
	e.FieldStart("start_date")
	timestamp(e, d.StartDate)
	if !d.EndDate.IsZero() {
		e.FieldStart("end_date")
		timestamp(e, d.EndDate)
	}
	e.FieldStart("state")
	e.Str(string(d.State))
	if d.RetiredAt != nil {
		e.FieldStart("retired_at")
		timestamp(e, *d.RetiredAt)
	}
	e.ObjEnd()
}
