// Package payments keeps local Payment rows consistent with the payment
// gateway: intent creation, webhook application, refunds and expiry of
// abandoned intents.
package payments

import (
	"context"
	"errors"
)

// ErrInvalidSignature is returned by Gateway.ParseEvent when the payload
// does not verify against the webhook secret.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

type IntentStatus string

const (
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusRequiresCapture       IntentStatus = "requires_capture"
	IntentStatusSucceeded             IntentStatus = "succeeded"
	IntentStatusCanceled              IntentStatus = "canceled"
)

type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
}

type CreateIntentParams struct {
	Amount         int64
	Currency       string
	OrderID        string
	OrderNumber    string
	UserID         string
	IdempotencyKey string
}

type RefundParams struct {
	PaymentIntentID string
	Amount          int64
	Reason          string
	OrderID         string
	IdempotencyKey  string
}

type Refund struct {
	ID     string
	Status RefundStatus
	Amount int64
}

// Gateway is the slice of the payment provider the reconciler needs.
// Amounts are integer minor units.
type Gateway interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	CancelIntent(ctx context.Context, id, reason string) (Intent, error)
	CreateRefund(ctx context.Context, p RefundParams) (Refund, error)

	// ParseEvent verifies signature over the raw payload and decodes it.
	// Verification failures wrap ErrInvalidSignature.
	ParseEvent(payload []byte, signature string) (Event, error)
}
