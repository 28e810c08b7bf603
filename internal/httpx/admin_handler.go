package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/go-chi/chi/v5"
)

type updateStatusReq struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	to := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Transition(ctx, chi.URLParam(r, "id"), to, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o, true))
}

type refundReq struct {
	Amount *money.Cents `json:"amount"`
	Reason string       `json:"reason"`
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	p, err := h.Payments.Refund(ctx, payments.RefundInput{
		OrderID: chi.URLParam(r, "id"),
		Amount:  req.Amount,
		Reason:  req.Reason,
		AdminID: callerFrom(ctx).UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toPaymentResp(p))
}

type adjustReq struct {
	Quantity int    `json:"quantity"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustReq
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pid := chi.URLParam(r, "id")
	res, err := h.Ledger.AdjustStock(ctx, inventory.AdjustInput{
		ProductID: pid,
		Quantity:  req.Quantity,
		Type:      domain.MovementType(strings.ToUpper(req.Type)),
		Reason:    req.Reason,
		UserID:    callerFrom(ctx).UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResp(res))
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ms, err := h.Ledger.Movements(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]movementResp, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMovementResp(m))
	}
	writeJSON(w, http.StatusOK, out)
}
