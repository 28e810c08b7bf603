// Package stripex implements payments.Gateway on top of stripe-go.
package stripex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/retry"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// refundReasons are the values Stripe accepts in Refund.Reason; anything
// else goes to metadata.
var refundReasons = map[string]bool{
	"duplicate":             true,
	"fraudulent":            true,
	"requested_by_customer": true,
}

type Client struct {
	api           *client.API
	webhookSecret string
}

// New builds a client with the SDK's own network retries disabled; callers
// wrap every call in retry.Do instead.
func New(secretKey, webhookSecret string) *Client {
	cfg := func() *stripe.BackendConfig {
		return &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg()),
	}
	return &Client{api: client.New(secretKey, backends), webhookSecret: webhookSecret}
}

func (c *Client) CreateIntent(ctx context.Context, p payments.CreateIntentParams) (payments.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddMetadata("order_id", p.OrderID)
	params.AddMetadata("order_number", p.OrderNumber)
	params.AddMetadata("user_id", p.UserID)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return payments.Intent{}, wrap(err)
	}
	return toIntent(pi), nil
}

func (c *Client) GetIntent(ctx context.Context, id string) (payments.Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return payments.Intent{}, wrap(err)
	}
	return toIntent(pi), nil
}

// CancelIntent cancels id. An intent that is already canceled is returned
// as is.
func (c *Client) CancelIntent(ctx context.Context, id, reason string) (payments.Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	if reason != "" {
		params.CancellationReason = stripe.String(reason)
	}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Cancel(id, params)
	if err == nil {
		return toIntent(pi), nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		cur, getErr := c.GetIntent(ctx, id)
		if getErr == nil && cur.Status == payments.IntentStatusCanceled {
			return cur, nil
		}
	}
	return payments.Intent{}, wrap(err)
}

func (c *Client) CreateRefund(ctx context.Context, p payments.RefundParams) (payments.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
		Amount:        stripe.Int64(p.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddMetadata("order_id", p.OrderID)
	if refundReasons[p.Reason] {
		params.Reason = stripe.String(p.Reason)
	} else if p.Reason != "" {
		params.AddMetadata("reason", p.Reason)
	}

	r, err := c.api.Refunds.New(params)
	if err != nil {
		return payments.Refund{}, wrap(err)
	}
	return payments.Refund{ID: r.ID, Status: payments.RefundStatus(r.Status), Amount: r.Amount}, nil
}

// ParseEvent verifies the Stripe-Signature header and decodes the event
// object into the matching payments event.
func (c *Client) ParseEvent(payload []byte, signature string) (payments.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payments.ErrInvalidSignature, err)
	}
	return decode(ev)
}

func decode(ev stripe.Event) (payments.Event, error) {
	meta := payments.Meta{ID: ev.ID, Type: string(ev.Type), Created: time.Unix(ev.Created, 0).UTC()}
	if ev.Data == nil {
		return payments.UnknownEvent{Meta: meta}, nil
	}

	switch meta.Type {
	case payments.TypeIntentSucceeded, payments.TypeIntentFailed, payments.TypeIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent in %s: %w", ev.ID, err)
		}
		switch meta.Type {
		case payments.TypeIntentSucceeded:
			return payments.IntentSucceeded{Meta: meta, IntentID: pi.ID, Amount: pi.AmountReceived}, nil
		case payments.TypeIntentFailed:
			out := payments.IntentFailed{Meta: meta, IntentID: pi.ID}
			if pi.LastPaymentError != nil {
				out.FailureCode = string(pi.LastPaymentError.Code)
				out.FailureMessage = pi.LastPaymentError.Msg
			}
			return out, nil
		default:
			return payments.IntentCanceled{Meta: meta, IntentID: pi.ID, Reason: string(pi.CancellationReason)}, nil
		}

	case payments.TypeRefundUpdated:
		var r stripe.Refund
		if err := json.Unmarshal(ev.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("decode refund in %s: %w", ev.ID, err)
		}
		out := payments.RefundUpdated{Meta: meta, RefundID: r.ID, Status: payments.RefundStatus(r.Status), Amount: r.Amount}
		if r.PaymentIntent != nil {
			out.IntentID = r.PaymentIntent.ID
		}
		return out, nil
	}
	return payments.UnknownEvent{Meta: meta}, nil
}

func toIntent(pi *stripe.PaymentIntent) payments.Intent {
	return payments.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       payments.IntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
}

// wrap attaches the HTTP status of an API error so retry.IsRetryable can
// tell rate limits and server errors from request errors.
func wrap(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		return &retry.StatusError{StatusCode: se.HTTPStatusCode, Err: err}
	}
	return err
}
