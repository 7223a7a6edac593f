package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
)

// listProducts returns catalog products filtered by the store, category, q,
// min_price and max_price query parameters. Retired products are included
// only with include_retired=true.
func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	filters, err := productFilters(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	products, err := h.Products.List(r.Context(), filters...)
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "list products"))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, p := range products {
			h.encodeProduct(e, p, nil)
		}
		e.ArrEnd()
	})
}

func productFilters(r *http.Request) ([]product.Filter, error) {
	q := r.URL.Query()

	var filters []product.Filter
	if q.Get("include_retired") != "true" {
		filters = append(filters, product.OnlyActive{})
	}
	if v := q.Get("store"); v != "" {
		filters = append(filters, product.InStore{StoreID: v})
	}
	if v := q.Get("category"); v != "" {
		filters = append(filters, product.InCategory{Category: v})
	}
	if v := q.Get("q"); v != "" {
		filters = append(filters, product.NameContains{Text: v})
	}

	minPrice, hasMin, err := queryDecimal(r, "min_price")
	if err != nil {
		return nil, err
	}
	maxPrice, hasMax, err := queryDecimal(r, "max_price")
	if err != nil {
		return nil, err
	}
	if hasMin || hasMax {
		if hasMax && maxPrice.LessThan(minPrice) {
			return nil, failure.Validation("max_price must not be below min_price")
		}
		filters = append(filters, product.PriceBetween{Min: minPrice, Max: maxPrice})
	}
	return filters, nil
}

// getProduct returns one product with the discount evaluated for the
// quantity query parameter, 1 by default.
func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	quantity, err := queryInt64(r, "quantity", 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.Products.GetByID(r.Context(), r.PathValue("productID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	eval, err := h.Discounts.EvaluateFor(r.Context(), p.StoreID, p.ID, p.Price, quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		h.encodeProduct(e, *p, &eval)
	})
}

// evaluateDiscount prices quantity units of a product. The unit_price query
// parameter overrides the catalog price.
func (h *Handler) evaluateDiscount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID := q.Get("product_id")
	if productID == "" {
		h.fail(w, r, failure.Validation("query parameter product_id is required"))
		return
	}
	quantity, err := queryInt64(r, "quantity", 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	unitPrice, hasPrice, err := queryDecimal(r, "unit_price")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.Products.GetByID(r.Context(), productID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	storeID := q.Get("store_id")
	if storeID == "" {
		storeID = p.StoreID
	}
	if storeID != p.StoreID {
		h.fail(w, r, failure.Validation("product %s is not sold by store %s", p.ID, storeID))
		return
	}
	if !hasPrice {
		unitPrice = p.Price
	}

	eval, err := h.Discounts.EvaluateFor(r.Context(), storeID, p.ID, unitPrice, quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("store_id")
		e.Str(storeID)
		e.FieldStart("product_id")
		e.Str(p.ID)
		e.FieldStart("quantity")
		e.Int64(quantity)
		e.FieldStart("unit_price")
		money(e, unitPrice)
		e.FieldStart("result")
		encodeEvaluation(e, eval)
		e.ObjEnd()
	})
}
