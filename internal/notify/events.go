package notify

import (
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/money"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentSucceeded   = "PaymentSucceeded"
	EventPaymentFailed      = "PaymentFailed"
	EventRefundCompleted    = "RefundCompleted"
	EventRefundFailed       = "RefundFailed"
	EventLowStockDetected   = "LowStockDetected"
)

// Event is what services hand to a Sink. Key groups events of the same
// aggregate (order id or product id) onto one partition.
type Event struct {
	Type    string
	Key     string
	Payload any
}

// Envelope is the wire shape published on the notification topic.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      string      `json:"user_id"`
	Items       []ItemQty   `json:"items"`
	Total       money.Cents `json:"total"`
}

type OrderStatusChangedPayload struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	From        string `json:"from"`
	To          string `json:"to"`
}

type PaymentPayload struct {
	OrderID         string      `json:"order_id"`
	PaymentID       string      `json:"payment_id"`
	PaymentIntentID string      `json:"payment_intent_id"`
	Amount          money.Cents `json:"amount"`
	FailureCode     string      `json:"failure_code,omitempty"`
	FailureMessage  string      `json:"failure_message,omitempty"`
}

type RefundPayload struct {
	OrderID        string      `json:"order_id"`
	PaymentID      string      `json:"payment_id"`
	RefundID       string      `json:"refund_id"`
	Amount         money.Cents `json:"amount"`
	RefundedAmount money.Cents `json:"refunded_amount"`
	Status         string      `json:"status"`
}

type LowStockPayload struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}
