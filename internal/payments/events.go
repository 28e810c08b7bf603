package payments

import "time"

// Gateway event type names.
const (
	TypeIntentSucceeded = "payment_intent.succeeded"
	TypeIntentFailed    = "payment_intent.payment_failed"
	TypeIntentCanceled  = "payment_intent.canceled"
	TypeRefundUpdated   = "charge.refund.updated"
)

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
	RefundCanceled  RefundStatus = "canceled"
)

// Event is a verified gateway event. The concrete types below are the
// only implementations; anything else decodes to UnknownEvent.
type Event interface {
	meta() Meta
}

type Meta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m Meta) meta() Meta { return m }

// MetaOf returns the id and type common to every event.
func MetaOf(ev Event) Meta { return ev.meta() }

type IntentSucceeded struct {
	Meta
	IntentID string
	Amount   int64
}

type IntentFailed struct {
	Meta
	IntentID       string
	FailureCode    string
	FailureMessage string
}

type IntentCanceled struct {
	Meta
	IntentID string
	Reason   string
}

type RefundUpdated struct {
	Meta
	RefundID string
	IntentID string
	Status   RefundStatus
	Amount   int64
}

type UnknownEvent struct {
	Meta
}
