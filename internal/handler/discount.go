package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/stock"
)

type discountRequest struct {
	StoreID        string `validate:"required"`
	ProductID      string `validate:"required"`
	Type           string `validate:"oneof=PERCENTAGE FIXED"`
	Value          decimal.Decimal
	MinPurchase    decimal.Decimal
	MaxDiscountCap decimal.Decimal
	StartDate      time.Time `validate:"required"`
	EndDate        time.Time
}

func (h *Handler) createDiscount(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	var req discountRequest
	err := h.decodeObject(w, r, func(d *jx.Decoder, field string) error {
		var err error
		switch field {
		case "store_id":
			req.StoreID, err = d.Str()
		case "product_id":
			req.ProductID, err = d.Str()
		case "type":
			req.Type, err = d.Str()
		case "value":
			req.Value, err = decodeDecimal(d)
		case "min_purchase":
			req.MinPurchase, err = decodeDecimal(d)
		case "max_discount_cap":
			req.MaxDiscountCap, err = decodeDecimal(d)
		case "start_date":
			req.StartDate, err = decodeTime(d)
		case "end_date":
			req.EndDate, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, field)
		}
		return nil
	})
	if err == nil {
		err = h.check(req)
	}
	if err == nil {
		err = key.Authorize(auth.ScopeDiscountsWrite, req.StoreID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if _, err := h.storeProduct(r, stock.Key{StoreID: req.StoreID, ProductID: req.ProductID}); err != nil {
		h.fail(w, r, err)
		return
	}

	d, err := h.Discounts.Create(r.Context(), discount.CreateRequest{
		StoreID:        req.StoreID,
		ProductID:      req.ProductID,
		Type:           discount.Type(req.Type),
		Value:          req.Value,
		MinPurchase:    req.MinPurchase,
		MaxDiscountCap: req.MaxDiscountCap,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeDiscount(w, http.StatusCreated, d)
}

func (h *Handler) retireDiscount(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	d, err := h.Discounts.Get(r.Context(), r.PathValue("discountID"))
	if err == nil {
		err = key.Authorize(auth.ScopeDiscountsWrite, d.StoreID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	d, err = h.Discounts.Retire(r.Context(), d.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeDiscount(w, http.StatusOK, d)
}

func writeDiscount(w http.ResponseWriter, status int, d *discount.Discount) {
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeDiscount(e, d)
	})
}
