package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/gateway/paygate"
)

type shippingRequest struct {
	Carrier string `validate:"required"`
	Service string `validate:"required"`
	Cost    decimal.Decimal
}

type createOrderRequest struct {
	CartID        string `validate:"required"`
	AddressID     string `validate:"required"`
	Shipping      shippingRequest
	PaymentMethod string `validate:"oneof=GATEWAY MANUAL"`
	PaymentProof  []byte `validate:"required_if=PaymentMethod MANUAL"`
}

func decodeShipping(d *jx.Decoder, s *shippingRequest) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "carrier":
			s.Carrier, err = d.Str()
		case "service":
			s.Service, err = d.Str()
		case "cost":
			s.Cost, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// createOrder converts the shopper's cart into an order. Manual payments carry
// the proof as base64 in payment_proof.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request, userID string) {
	req := createOrderRequest{PaymentMethod: string(order.PaymentGateway)}
	err := h.decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "cart_id":
			req.CartID, err = d.Str()
		case "address_id":
			req.AddressID, err = d.Str()
		case "shipping":
			err = decodeShipping(d, &req.Shipping)
		case "payment_method":
			req.PaymentMethod, err = d.Str()
		case "payment_proof":
			req.PaymentProof, err = d.Base64()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err == nil {
		err = h.check(req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	checkout := order.CheckoutRequest{
		UserID:    userID,
		CartID:    req.CartID,
		AddressID: req.AddressID,
		Shipping: order.ShippingSelection{
			Carrier:    req.Shipping.Carrier,
			Service:    req.Shipping.Service,
			ClientCost: req.Shipping.Cost,
		},
		PaymentMethod: order.PaymentMethod(req.PaymentMethod),
	}
	if len(req.PaymentProof) > 0 {
		checkout.PaymentProof = &order.Proof{Data: req.PaymentProof}
	}

	res, err := h.Orders.CreateOrder(r.Context(), checkout)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("order")
		encodeOrder(e, res.Order)
		if res.SessionToken != "" {
			e.FieldStart("session_token")
			e.Str(res.SessionToken)
		}
		e.ObjEnd()
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.Orders.Get(r.Context(), userID, r.PathValue("orderNumber"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

// Webhook acknowledgement results.
const (
	webhookProcessed = "processed"
	webhookIgnored   = "ignored"
	webhookHeld      = "held"
)

// paymentWebhook applies a signed gateway notification. Stale notifications
// for orders that already left PENDING are acknowledged as ignored so the
// gateway stops retrying them. An oversold settlement is acknowledged as held;
// the order waits for review and a replay after restocking settles it.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !paygate.VerifySignature(h.cfg.WebhookSecret, body, r.Header.Get(paygate.SignatureHeader)) {
		h.fail(w, r, auth.ErrUnauthorized)
		return
	}
	n, err := paygate.DecodeNotification(body)
	if err != nil {
		h.fail(w, r, failure.Validation("%v", err))
		return
	}

	lg := zctx.From(r.Context()).With(
		zap.String("order_number", n.OrderNumber),
		zap.String("payment_status", n.Status),
	)

	o, err := h.Settlement.Reconcile(r.Context(), n.OrderNumber, n.Status)
	var (
		short      *stock.InsufficientStockError
		transition *order.TransitionError
	)
	switch {
	case err == nil:
		writeAck(w, webhookProcessed, n.OrderNumber, string(o.Status))
	case errors.As(err, &transition):
		lg.Info("Stale payment notification ignored", zap.String("order_status", string(transition.From)))
		writeAck(w, webhookIgnored, n.OrderNumber, string(transition.From))
	case errors.As(err, &short):
		writeAck(w, webhookHeld, n.OrderNumber, string(order.StatusPending))
	default:
		h.fail(w, r, err)
	}
}

func writeAck(w http.ResponseWriter, result, orderNumber, status string) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("result")
		e.Str(result)
		e.FieldStart("order_number")
		e.Str(orderNumber)
		e.FieldStart("order_status")
		e.Str(status)
		e.ObjEnd()
	})
}

// listReview returns orders awaiting an admin in the store query parameter,
// or in every store the key may manage when it is omitted.
func (h *Handler) listReview(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	storeID := r.URL.Query().Get("store")
	if err := key.Authorize(auth.ScopeOrdersAdmin, storeID); err != nil {
		h.fail(w, r, err)
		return
	}

	orders, err := h.Orders.ListForReview(r.Context(), storeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range orders {
			if !key.CanManage(orders[i].StoreID) {
				continue
			}
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
}

// adminOrder loads an order and checks the key may administer its store.
func (h *Handler) adminOrder(r *http.Request, key *auth.APIKeyInfo) (*order.Order, error) {
	o, err := h.Orders.Lookup(r.Context(), r.PathValue("orderNumber"))
	if err != nil {
		return nil, err
	}
	if err := key.Authorize(auth.ScopeOrdersAdmin, o.StoreID); err != nil {
		return nil, err
	}
	return o, nil
}

// confirmOrder settles a manual-payment order once staff checked the proof.
func (h *Handler) confirmOrder(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	o, err := h.adminOrder(r, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err = h.Settlement.ConfirmManual(r.Context(), o.OrderNumber, actorID(key))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) markOrderDone(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	o, err := h.adminOrder(r, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err = h.Orders.MarkDone(r.Context(), o.OrderNumber)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}
