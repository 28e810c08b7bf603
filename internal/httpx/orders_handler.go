package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxWebhookBody = 65536

// StatusCache is the read-through cache behind GET /orders/{id}/status.
// Fill must not overwrite an existing entry.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool)
	Fill(ctx context.Context, orderID string, cs redisx.CachedStatus)
}

type Handler struct {
	Checkout *checkout.Service
	Orders   *orders.Machine
	Payments *payments.Reconciler
	Ledger   *inventory.Ledger
	Cache    StatusCache
	Logger   *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

type checkoutReq struct {
	ShippingAddressID string `json:"shipping_address_id"`
	CouponCode        string `json:"coupon_code"`
	Notes             string `json:"notes"`
	ShippingMethodID  string `json:"shipping_method_id"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	c := callerFrom(ctx)
	o, err := h.Checkout.Checkout(ctx, checkout.Input{
		UserID:            c.UserID,
		ShippingAddressID: req.ShippingAddressID,
		CouponCode:        req.CouponCode,
		Notes:             req.Notes,
		ShippingMethodID:  req.ShippingMethodID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o, false))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	c := callerFrom(ctx)
	o, err := h.Orders.Get(ctx, c.UserID, chi.URLParam(r, "id"), c.Admin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o, c.Admin))
}

type statusResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Cached  bool   `json:"cached"`
}

// getOrderStatus serves the status from cache when possible. Ownership is
// checked against the cached user id so the cache never leaks foreign
// orders.
func (h *Handler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	c := callerFrom(ctx)
	if h.Cache != nil {
		if cs, ok := h.Cache.Get(ctx, orderID); ok && (c.Admin || cs.UserID == c.UserID) {
			writeJSON(w, http.StatusOK, statusResp{OrderID: orderID, Status: cs.Status, Cached: true})
			return
		}
	}
	o, err := h.Orders.Get(ctx, c.UserID, orderID, c.Admin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Fill(ctx, o.ID, redisx.CachedStatus{Status: string(o.Status), UserID: o.UserID})
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: o.ID, Status: string(o.Status)})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.CancelByCustomer(ctx, callerFrom(ctx).UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o, false))
}

type intentResp struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
}

func (h *Handler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Payments.CreatePaymentIntent(ctx, callerFrom(ctx).UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intentResp{
		PaymentIntentID: res.PaymentIntentID,
		ClientSecret:    res.ClientSecret,
		Amount:          res.Amount.String(),
		Currency:        res.Currency,
	})
}

// stripeWebhook acknowledges with 2xx once the event is applied or known to
// be applied. Rejected signatures get 400; anything else 500 so the gateway
// redelivers.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperr.BadRequest("webhook body exceeds %d bytes", maxWebhookBody))
			return
		}
		h.writeError(w, r, apperr.BadRequest("read body: %v", err))
		return
	}
	if err := h.Payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
