package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(traceNotifications)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Signed by the gateway; no caller identity.
	r.Post("/webhooks/stripe", h.stripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Identity)
		r.Post("/checkout", h.checkout)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getOrderStatus)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Post("/orders/{id}/payment-intent", h.createPaymentIntent)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Patch("/orders/{id}/status", h.updateOrderStatus)
			r.Post("/orders/{id}/refund", h.refund)
			r.Post("/products/{id}/stock-adjustments", h.adjustStock)
			r.Get("/products/{id}/movements", h.movements)
		})
	})
	return r
}

// traceNotifications tags notifications published while serving a request
// with its request id.
func traceNotifications(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(notify.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
