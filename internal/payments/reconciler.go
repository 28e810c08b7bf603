package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/retry"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultCurrency     = "usd"
	DefaultAbandonAfter = 24 * time.Hour

	failureExpired  = "expired"
	failureCanceled = "canceled"
)

// SeenCache is an optional fast path in front of the webhook_events table.
type SeenCache interface {
	Seen(ctx context.Context, eventID string) bool
	MarkSeen(ctx context.Context, eventID string)
}

// errAlreadyApplied rolls back a webhook transaction that lost the race to
// record its event id.
var errAlreadyApplied = errors.New("webhook event already applied")

type Reconciler struct {
	store        store.Store
	gateway      Gateway
	machine      *orders.Machine
	sink         notify.Sink
	seen         SeenCache
	caller       *retry.Caller
	currency     string
	abandonAfter time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

type Option func(*Reconciler)

func WithSeenCache(c SeenCache) Option { return func(r *Reconciler) { r.seen = c } }

func WithCaller(c *retry.Caller) Option { return func(r *Reconciler) { r.caller = c } }

func WithCurrency(cur string) Option { return func(r *Reconciler) { r.currency = cur } }

func WithAbandonAfter(d time.Duration) Option { return func(r *Reconciler) { r.abandonAfter = d } }

func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func NewReconciler(st store.Store, gw Gateway, machine *orders.Machine, sink notify.Sink, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        st,
		gateway:      gw,
		machine:      machine,
		sink:         sink,
		currency:     DefaultCurrency,
		abandonAfter: DefaultAbandonAfter,
		logger:       zap.NewNop(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	if r.sink == nil {
		r.sink = notify.Nop{}
	}
	if r.caller == nil {
		r.caller = retry.New(retry.WithLogger(r.logger))
	}
	return r
}

// IntentResult is what the client needs to confirm the payment.
type IntentResult struct {
	PaymentIntentID string
	ClientSecret    string
	Amount          money.Cents
	Currency        string
}

// CreatePaymentIntent returns a gateway intent for the caller's PENDING
// order. Repeated calls reuse the existing intent; the amount always
// comes from the stored order total.
func (r *Reconciler) CreatePaymentIntent(ctx context.Context, userID, orderID string) (IntentResult, error) {
	var (
		order    domain.Order
		existing *domain.Payment
	)
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && o.UserID != userID) {
			return apperr.NotFound("order %s not found", orderID)
		}
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if o.Status != domain.OrderPending {
			return apperr.BadRequest("order %s is %s, payment is only possible while PENDING", o.OrderNumber, o.Status)
		}
		order = o

		p, err := tx.GetPaymentByOrder(ctx, orderID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil
		case err != nil:
			return fmt.Errorf("load payment for order %s: %w", orderID, err)
		}
		if p.Status != domain.PaymentPending && p.Status != domain.PaymentFailed {
			return apperr.New(apperr.CodePaymentCompleted, "payment for this order is already completed")
		}
		existing = &p
		return nil
	})
	if err != nil {
		return IntentResult{}, err
	}

	key := "order:" + order.ID
	if existing != nil {
		intent, err := retry.Do(ctx, r.caller, "get_intent", func(ctx context.Context) (Intent, error) {
			return r.gateway.GetIntent(ctx, existing.StripePaymentIntentID)
		})
		if err != nil {
			return IntentResult{}, fmt.Errorf("fetch payment intent %s: %w", existing.StripePaymentIntentID, err)
		}
		if intent.Status != IntentStatusCanceled {
			return IntentResult{
				PaymentIntentID: intent.ID,
				ClientSecret:    intent.ClientSecret,
				Amount:          existing.Amount,
				Currency:        existing.Currency,
			}, nil
		}
		r.logger.Info("previous payment intent was canceled, creating a new one",
			zap.String("order_id", order.ID),
			zap.String("payment_intent_id", intent.ID))
		key = "order:" + order.ID + ":after:" + intent.ID
	}

	intent, err := retry.Do(ctx, r.caller, "create_intent", func(ctx context.Context) (Intent, error) {
		return r.gateway.CreateIntent(ctx, CreateIntentParams{
			Amount:         order.Total.MinorUnits(),
			Currency:       r.currency,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			UserID:         order.UserID,
			IdempotencyKey: key,
		})
	})
	if err != nil {
		return IntentResult{}, fmt.Errorf("create payment intent for order %s: %w", order.ID, err)
	}

	now := r.now()
	pay := domain.Payment{
		ID:                    uuid.NewString(),
		OrderID:               order.ID,
		StripePaymentIntentID: intent.ID,
		Status:                domain.PaymentPending,
		Amount:                order.Total,
		Currency:              r.currency,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if existing != nil {
			cur, err := tx.GetPaymentByOrder(ctx, order.ID)
			if err == nil && cur.StripePaymentIntentID == existing.StripePaymentIntentID {
				if err := tx.DeletePayment(ctx, cur.ID); err != nil {
					return fmt.Errorf("delete canceled payment %s: %w", cur.ID, err)
				}
			}
		}
		return tx.InsertPayment(ctx, pay)
	})
	// A concurrent request with the same idempotency key already stored
	// this intent.
	if errors.Is(err, store.ErrDuplicate) {
		err = nil
	}
	if err != nil {
		return IntentResult{}, fmt.Errorf("store payment for order %s: %w", order.ID, err)
	}

	r.logger.Info("payment intent created",
		zap.String("order_id", order.ID),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount", intent.Amount))
	return IntentResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          order.Total,
		Currency:        r.currency,
	}, nil
}

// HandleWebhook verifies and applies one gateway event. The event id is
// recorded in the same transaction as its effects, so an error leaves the
// event unrecorded and the gateway's redelivery retries it.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := r.gateway.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return apperr.Wrap(apperr.CodeInvalidSignature, "invalid webhook signature", err)
		}
		return apperr.Wrap(apperr.CodeBadRequest, "malformed webhook payload", err)
	}
	meta := MetaOf(ev)
	log := r.logger.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))

	if r.seen != nil && r.seen.Seen(ctx, meta.ID) {
		log.Debug("webhook event already applied")
		return nil
	}

	var (
		events    []notify.Event
		duplicate bool
	)
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		events = nil
		exists, err := tx.WebhookEventExists(ctx, meta.ID)
		if err != nil {
			return fmt.Errorf("check webhook event: %w", err)
		}
		if exists {
			duplicate = true
			return nil
		}
		if events, err = r.apply(ctx, tx, ev, log); err != nil {
			return err
		}
		err = tx.InsertWebhookEvent(ctx, domain.WebhookEvent{ID: meta.ID, Type: meta.Type, CreatedAt: r.now()})
		if errors.Is(err, store.ErrDuplicate) {
			return errAlreadyApplied
		}
		return err
	})
	if errors.Is(err, errAlreadyApplied) {
		duplicate, err = true, nil
	}
	if err != nil {
		log.Error("webhook event not applied", zap.Error(err))
		return err
	}
	if r.seen != nil {
		r.seen.MarkSeen(ctx, meta.ID)
	}
	if duplicate {
		log.Info("duplicate webhook event ignored")
		return nil
	}
	for _, n := range events {
		r.emit(ctx, n)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, tx store.Tx, ev Event, log *zap.Logger) ([]notify.Event, error) {
	switch e := ev.(type) {
	case IntentSucceeded:
		return r.onIntentSucceeded(ctx, tx, e, log)
	case IntentFailed:
		return r.onIntentFailed(ctx, tx, e, log)
	case IntentCanceled:
		return r.onIntentCanceled(ctx, tx, e, log)
	case RefundUpdated:
		return r.onRefundUpdated(ctx, tx, e, log)
	case UnknownEvent:
		log.Debug("ignoring unhandled webhook event type")
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected event %T", ev)
	}
}

// paymentForIntent loads the payment row for a gateway intent. ok is false
// when the intent is not ours; such events are acknowledged.
func paymentForIntent(ctx context.Context, tx store.Tx, intentID string, log *zap.Logger) (domain.Payment, bool, error) {
	p, err := tx.GetPaymentByIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("webhook for unknown payment intent", zap.String("payment_intent_id", intentID))
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("load payment for intent %s: %w", intentID, err)
	}
	return p, true, nil
}

func (r *Reconciler) onIntentSucceeded(ctx context.Context, tx store.Tx, e IntentSucceeded, log *zap.Logger) ([]notify.Event, error) {
	p, ok, err := paymentForIntent(ctx, tx, e.IntentID, log)
	if !ok || err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentPending && p.Status != domain.PaymentFailed {
		log.Info("payment already settled, skipping", zap.String("payment_id", p.ID), zap.String("status", string(p.Status)))
		return nil, nil
	}
	p.Status = domain.PaymentSucceeded
	p.FailureCode, p.FailureMessage = "", ""
	p.UpdatedAt = r.now()
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment %s: %w", p.ID, err)
	}

	events := []notify.Event{paymentEvent(notify.EventPaymentSucceeded, p)}
	o, err := tx.LockOrder(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", p.OrderID, err)
	}
	switch o.Status {
	case domain.OrderPending:
		changed, err := r.machine.Apply(ctx, tx, &o, domain.OrderConfirmed, "payment "+e.IntentID+" succeeded")
		if err != nil {
			return nil, err
		}
		events = append(events, changed)
	case domain.OrderConfirmed:
	default:
		log.Error("payment succeeded for an order that can no longer be confirmed, refund required",
			zap.String("order_id", o.ID),
			zap.String("order_status", string(o.Status)),
			zap.String("payment_id", p.ID))
	}
	return events, nil
}

func (r *Reconciler) onIntentFailed(ctx context.Context, tx store.Tx, e IntentFailed, log *zap.Logger) ([]notify.Event, error) {
	p, ok, err := paymentForIntent(ctx, tx, e.IntentID, log)
	if !ok || err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentPending {
		log.Info("payment not pending, skipping failure", zap.String("payment_id", p.ID), zap.String("status", string(p.Status)))
		return nil, nil
	}
	p.Status = domain.PaymentFailed
	p.FailureCode, p.FailureMessage = e.FailureCode, e.FailureMessage
	p.UpdatedAt = r.now()
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	return []notify.Event{paymentEvent(notify.EventPaymentFailed, p)}, nil
}

func (r *Reconciler) onIntentCanceled(ctx context.Context, tx store.Tx, e IntentCanceled, log *zap.Logger) ([]notify.Event, error) {
	p, ok, err := paymentForIntent(ctx, tx, e.IntentID, log)
	if !ok || err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentPending {
		return nil, nil
	}
	p.Status = domain.PaymentFailed
	p.FailureCode = failureCanceled
	p.FailureMessage = "payment intent canceled"
	if e.Reason != "" {
		p.FailureMessage += ": " + e.Reason
	}
	p.UpdatedAt = r.now()
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	return nil, nil
}

func (r *Reconciler) onRefundUpdated(ctx context.Context, tx store.Tx, e RefundUpdated, log *zap.Logger) ([]notify.Event, error) {
	p, ok, err := paymentForIntent(ctx, tx, e.IntentID, log)
	if !ok || err != nil {
		return nil, err
	}
	log = log.With(zap.String("payment_id", p.ID), zap.String("refund_id", e.RefundID))

	switch e.Status {
	case RefundSucceeded:
		switch p.Status {
		case domain.PaymentRefundPending, domain.PaymentSucceeded, domain.PaymentPartiallyRefunded:
		default:
			log.Warn("refund succeeded for payment in unexpected status", zap.String("status", string(p.Status)))
			return nil, nil
		}
		amount := money.Cents(e.Amount)
		p.RefundedAmount += amount
		if p.RefundedAmount >= p.Amount {
			p.Status = domain.PaymentRefunded
		} else {
			p.Status = domain.PaymentPartiallyRefunded
		}
		p.StripeRefundID = e.RefundID
		p.UpdatedAt = r.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", p.ID, err)
		}
		return []notify.Event{refundEvent(notify.EventRefundCompleted, p, e.RefundID, amount)}, nil

	case RefundFailed, RefundCanceled:
		if p.Status != domain.PaymentRefundPending {
			return nil, nil
		}
		if p.RefundedAmount > 0 {
			p.Status = domain.PaymentPartiallyRefunded
		} else {
			p.Status = domain.PaymentSucceeded
		}
		p.UpdatedAt = r.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", p.ID, err)
		}
		log.Error("refund failed at the gateway, manual follow-up required", zap.String("refund_status", string(e.Status)))
		return []notify.Event{refundEvent(notify.EventRefundFailed, p, e.RefundID, money.Cents(e.Amount))}, nil
	}
	return nil, nil
}

// RefundInput asks for a refund on an order's payment. A nil Amount means
// everything still refundable.
type RefundInput struct {
	OrderID string
	Amount  *money.Cents
	Reason  string
	AdminID string
}

// Refund issues a gateway refund and marks the payment REFUND_PENDING. The
// webhook decides whether it completed. The payment row stays locked for
// the gateway call so two refunds cannot both pass the amount check.
func (r *Reconciler) Refund(ctx context.Context, in RefundInput) (domain.Payment, error) {
	var p domain.Payment
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetPaymentByOrder(ctx, in.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("payment for order %s not found", in.OrderID)
		}
		if err != nil {
			return fmt.Errorf("load payment for order %s: %w", in.OrderID, err)
		}
		if p.Status != domain.PaymentSucceeded && p.Status != domain.PaymentPartiallyRefunded {
			return apperr.BadRequest("payment is %s and cannot be refunded", p.Status)
		}

		refundable := p.Refundable()
		amount := refundable
		if in.Amount != nil {
			amount = *in.Amount
		}
		if amount <= 0 || amount > refundable {
			return apperr.WithMetadata(apperr.CodeInvalidRefundAmount,
				fmt.Sprintf("refund amount must be between 0.01 and %s", refundable),
				map[string]string{"refundable": refundable.String()})
		}

		refund, err := retry.Do(ctx, r.caller, "create_refund", func(ctx context.Context) (Refund, error) {
			return r.gateway.CreateRefund(ctx, RefundParams{
				PaymentIntentID: p.StripePaymentIntentID,
				Amount:          amount.MinorUnits(),
				Reason:          in.Reason,
				OrderID:         in.OrderID,
				IdempotencyKey:  "refund:" + uuid.NewString(),
			})
		})
		if err != nil {
			return fmt.Errorf("create refund for payment %s: %w", p.ID, err)
		}

		p.Status = domain.PaymentRefundPending
		p.StripeRefundID = refund.ID
		p.UpdatedAt = r.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment %s: %w", p.ID, err)
		}
		r.logger.Info("refund requested",
			zap.String("order_id", in.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("refund_id", refund.ID),
			zap.String("amount", amount.String()),
			zap.String("admin_id", in.AdminID))
		return nil
	})
	return p, err
}

// ExpireAbandonedPayments cancels PENDING payments older than the abandon
// age and cancels their still-PENDING orders. Each payment is handled on
// its own; failures are logged and skipped. It returns how many payments
// were expired.
func (r *Reconciler) ExpireAbandonedPayments(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.abandonAfter)
	var pending []domain.Payment
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pending, err = tx.ListPendingPaymentsBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list abandoned payments: %w", err)
	}

	expired := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := r.expire(ctx, p)
		if err != nil {
			r.logger.Error("expire payment",
				zap.String("payment_id", p.ID),
				zap.String("payment_intent_id", p.StripePaymentIntentID),
				zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if len(pending) > 0 {
		r.logger.Info("abandoned payments swept", zap.Int("found", len(pending)), zap.Int("expired", expired))
	}
	return expired, nil
}

func (r *Reconciler) expire(ctx context.Context, p domain.Payment) (bool, error) {
	_, err := retry.Do(ctx, r.caller, "cancel_intent", func(ctx context.Context) (Intent, error) {
		return r.gateway.CancelIntent(ctx, p.StripePaymentIntentID, "abandoned")
	})
	if err != nil {
		return false, fmt.Errorf("cancel intent: %w", err)
	}

	var (
		expired bool
		changed *notify.Event
	)
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		expired, changed = false, nil
		cur, err := tx.GetPaymentByIntent(ctx, p.StripePaymentIntentID)
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		// A webhook may have settled it since the listing.
		if cur.Status != domain.PaymentPending {
			return nil
		}
		cur.Status = domain.PaymentFailed
		cur.FailureCode = failureExpired
		cur.FailureMessage = "payment not completed within " + r.abandonAfter.String()
		cur.UpdatedAt = r.now()
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		expired = true

		o, err := tx.LockOrder(ctx, cur.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load order %s: %w", cur.OrderID, err)
		}
		if o.Status != domain.OrderPending {
			return nil
		}
		ev, err := r.machine.Apply(ctx, tx, &o, domain.OrderCancelled, "payment expired")
		if err != nil {
			return err
		}
		changed = &ev
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed != nil {
		r.emit(ctx, *changed)
	}
	return expired, nil
}

func (r *Reconciler) emit(ctx context.Context, ev notify.Event) {
	if ev.Type == notify.EventOrderStatusChanged {
		r.machine.Emit(ctx, ev)
		return
	}
	r.sink.Notify(ctx, ev)
}

func paymentEvent(typ string, p domain.Payment) notify.Event {
	return notify.Event{
		Type: typ,
		Key:  p.OrderID,
		Payload: notify.PaymentPayload{
			OrderID:         p.OrderID,
			PaymentID:       p.ID,
			PaymentIntentID: p.StripePaymentIntentID,
			Amount:          p.Amount,
			FailureCode:     p.FailureCode,
			FailureMessage:  p.FailureMessage,
		},
	}
}

func refundEvent(typ string, p domain.Payment, refundID string, amount money.Cents) notify.Event {
	return notify.Event{
		Type: typ,
		Key:  p.OrderID,
		Payload: notify.RefundPayload{
			OrderID:        p.OrderID,
			PaymentID:      p.ID,
			RefundID:       refundID,
			Amount:         amount,
			RefundedAmount: p.RefundedAmount,
			Status:         string(p.Status),
		},
	}
}
