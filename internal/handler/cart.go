package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/grocer/internal/domain/cart"
)

type addLineRequest struct {
	ProductID string `validate:"required"`
	StoreID   string `validate:"required"`
	Quantity  int64  `validate:"gt=0"`
}

type updateLineRequest struct {
	Quantity int64 `validate:"gt=0"`
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := h.Carts.GetOrCreate(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func (h *Handler) addCartLine(w http.ResponseWriter, r *http.Request, userID string) {
	var req addLineRequest
	err := h.decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			req.ProductID, err = d.Str()
		case "store_id":
			req.StoreID, err = d.Str()
		case "quantity":
			req.Quantity, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil {
		err = h.check(req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.Carts.AddLine(r.Context(), userID, req.ProductID, req.StoreID, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func (h *Handler) updateCartLine(w http.ResponseWriter, r *http.Request, userID string) {
	var req updateLineRequest
	err := h.decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		var err error
		req.Quantity, err = d.Int64()
		return err
	})
	if err == nil {
		err = h.check(req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.Carts.UpdateLine(r.Context(), userID, r.PathValue("lineID"), req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func (h *Handler) removeCartLine(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := h.Carts.RemoveLine(r.Context(), userID, r.PathValue("lineID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func writeCart(w http.ResponseWriter, status int, c *cart.Cart) {
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeCart(e, c)
	})
}
