package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"go.uber.org/zap"
)

// Machine applies order status transitions together with their inventory
// effects, in the caller's transaction.
type Machine struct {
	store  store.Store
	ledger *inventory.Ledger
	sink   notify.Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewMachine(st store.Store, ledger *inventory.Ledger, sink notify.Sink, logger *zap.Logger) *Machine {
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: st, ledger: ledger, sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Apply moves o to status to on tx and updates o in place. Inventory:
// confirming turns every reservation into a sale, cancelling a pending
// order releases reservations, cancelling a confirmed order returns sold
// units. Items whose product was deleted are skipped. The returned event
// must be emitted by the caller once tx has committed.
func (m *Machine) Apply(ctx context.Context, tx store.Tx, o *domain.Order, to domain.OrderStatus, note string) (notify.Event, error) {
	from := o.Status
	if !CanTransition(from, to) {
		return notify.Event{}, invalidTransition(from, to)
	}

	ref := inventory.Ref{Reason: fmt.Sprintf("order %s %s->%s", o.OrderNumber, from, to)}
	for _, it := range o.Items {
		if it.ProductID == "" {
			continue
		}
		var err error
		switch {
		case to == domain.OrderConfirmed:
			_, err = m.ledger.ConfirmSale(ctx, tx, it.ProductID, it.Quantity, ref)
		case to == domain.OrderCancelled && from == domain.OrderPending:
			_, err = m.ledger.Release(ctx, tx, it.ProductID, it.Quantity, ref)
		case to == domain.OrderCancelled && from == domain.OrderConfirmed:
			_, err = m.ledger.Return(ctx, tx, it.ProductID, it.Quantity, ref)
		}
		if err != nil {
			return notify.Event{}, fmt.Errorf("order %s item %s: %w", o.OrderNumber, it.ProductSKU, err)
		}
	}

	notes := appendNote(o.AdminNotes, note, m.now())
	if err := tx.UpdateOrderStatus(ctx, o.ID, to, notes); err != nil {
		return notify.Event{}, fmt.Errorf("update order %s status: %w", o.ID, err)
	}
	o.Status = to
	o.AdminNotes = notes
	return StatusChanged(*o, from), nil
}

// Transition is the admin entry point: it runs Apply in its own
// transaction and emits OrderStatusChanged after commit.
func (m *Machine) Transition(ctx context.Context, orderID string, to domain.OrderStatus, note string) (domain.Order, error) {
	if !Valid(to) {
		return domain.Order{}, apperr.BadRequest("unknown order status %q", to)
	}
	var (
		o  domain.Order
		ev notify.Event
	)
	err := m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if o, err = lockOrder(ctx, tx, orderID); err != nil {
			return err
		}
		ev, err = m.Apply(ctx, tx, &o, to, note)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	m.emit(ctx, ev)
	return o, nil
}

// CancelByCustomer cancels the caller's own order while it is still
// PENDING or CONFIRMED.
func (m *Machine) CancelByCustomer(ctx context.Context, userID, orderID string) (domain.Order, error) {
	var (
		o  domain.Order
		ev notify.Event
	)
	err := m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if o, err = lockOrder(ctx, tx, orderID); err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.NotFound("order %s not found", orderID)
		}
		if o.Status != domain.OrderPending && o.Status != domain.OrderConfirmed {
			return apperr.BadRequest("order %s cannot be cancelled while %s", o.OrderNumber, o.Status)
		}
		ev, err = m.Apply(ctx, tx, &o, domain.OrderCancelled, "")
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	m.emit(ctx, ev)
	return o, nil
}

// Get loads an order. Non-admin callers only see their own orders.
func (m *Machine) Get(ctx context.Context, userID, orderID string, admin bool) (domain.Order, error) {
	var o domain.Order
	err := m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !admin && o.UserID != userID) {
			return apperr.NotFound("order %s not found", orderID)
		}
		return err
	})
	return o, err
}

// Emit publishes a status change produced by Apply in someone else's
// transaction.
func (m *Machine) Emit(ctx context.Context, ev notify.Event) { m.emit(ctx, ev) }

func (m *Machine) emit(ctx context.Context, ev notify.Event) {
	if p, ok := ev.Payload.(notify.OrderStatusChangedPayload); ok {
		m.logger.Info("order status changed",
			zap.String("order_id", p.OrderID),
			zap.String("order_number", p.OrderNumber),
			zap.String("from", p.From),
			zap.String("to", p.To))
	}
	m.sink.Notify(ctx, ev)
}

// StatusChanged builds the OrderStatusChanged event for o.
func StatusChanged(o domain.Order, from domain.OrderStatus) notify.Event {
	return notify.Event{
		Type: notify.EventOrderStatusChanged,
		Key:  o.ID,
		Payload: notify.OrderStatusChangedPayload{
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			UserID:      o.UserID,
			From:        string(from),
			To:          string(o.Status),
		},
	}
}

func lockOrder(ctx context.Context, tx store.Tx, orderID string) (domain.Order, error) {
	o, err := tx.LockOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return o, apperr.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return o, fmt.Errorf("load order %s: %w", orderID, err)
	}
	return o, nil
}

func invalidTransition(from, to domain.OrderStatus) error {
	allowed := Allowed(from)
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return apperr.WithMetadata(apperr.CodeInvalidTransition,
		fmt.Sprintf("cannot move order from %s to %s (allowed: [%s])", from, to, strings.Join(names, ", ")),
		map[string]string{"from": string(from), "to": string(to), "allowed": strings.Join(names, ",")})
}

func appendNote(existing, note string, at time.Time) string {
	if note == "" {
		return existing
	}
	line := fmt.Sprintf("[%s] %s", at.Format(time.RFC3339), note)
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
