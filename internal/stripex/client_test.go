package stripex

import (
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/retry"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestParseEventDecodesKnownTypes(t *testing.T) {
	c := &Client{webhookSecret: testSecret}
	cases := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev payments.Event)
	}{
		{
			name:    "succeeded",
			payload: `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":1700000000,"data":{"object":{"id":"pi_1","object":"payment_intent","amount":6998,"amount_received":6998,"status":"succeeded"}}}`,
			check: func(t *testing.T, ev payments.Event) {
				e, ok := ev.(payments.IntentSucceeded)
				if !ok || e.IntentID != "pi_1" || e.Amount != 6998 || e.ID != "evt_1" {
					t.Fatalf("unexpected event %#v", ev)
				}
			},
		},
		{
			name:    "failed",
			payload: `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}}}`,
			check: func(t *testing.T, ev payments.Event) {
				e, ok := ev.(payments.IntentFailed)
				if !ok || e.IntentID != "pi_2" || e.FailureCode != "card_declined" || e.FailureMessage != "Your card was declined." {
					t.Fatalf("unexpected event %#v", ev)
				}
			},
		},
		{
			name:    "refund",
			payload: `{"id":"evt_3","object":"event","type":"charge.refund.updated","data":{"object":{"id":"re_1","object":"refund","amount":500,"status":"succeeded","payment_intent":"pi_3"}}}`,
			check: func(t *testing.T, ev payments.Event) {
				e, ok := ev.(payments.RefundUpdated)
				if !ok || e.RefundID != "re_1" || e.IntentID != "pi_3" || e.Status != payments.RefundSucceeded || e.Amount != 500 {
					t.Fatalf("unexpected event %#v", ev)
				}
			},
		},
		{
			name:    "unknown",
			payload: `{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`,
			check: func(t *testing.T, ev payments.Event) {
				if _, ok := ev.(payments.UnknownEvent); !ok || payments.MetaOf(ev).Type != "customer.created" {
					t.Fatalf("unexpected event %#v", ev)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := c.ParseEvent([]byte(tc.payload), sign(t, tc.payload))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tc.check(t, ev)
		})
	}
}

func TestParseEventRejectsBadSignature(t *testing.T) {
	c := &Client{webhookSecret: testSecret}
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`
	header := sign(t, payload)

	if _, err := c.ParseEvent([]byte(payload+" "), header); !errors.Is(err, payments.ErrInvalidSignature) {
		t.Fatalf("tampered body: expected invalid signature, got %v", err)
	}
	if _, err := c.ParseEvent([]byte(payload), "t=1,v1=deadbeef"); !errors.Is(err, payments.ErrInvalidSignature) {
		t.Fatalf("bad header: expected invalid signature, got %v", err)
	}
}

func TestWrapClassifiesStripeErrors(t *testing.T) {
	cases := map[int]bool{429: true, 500: true, 503: true, 400: false, 402: false, 404: false}
	for status, want := range cases {
		err := wrap(&stripe.Error{HTTPStatusCode: status, Msg: "boom"})
		if got := retry.IsRetryable(err); got != want {
			t.Fatalf("status %d: expected retryable=%v, got %v", status, want, got)
		}
	}
}
