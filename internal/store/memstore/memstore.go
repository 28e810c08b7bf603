// Package memstore is an in-memory store.Store. Transactions run one at a
// time against a copy of the state, which replaces the live state only when
// the callback returns nil, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
)

// Hook can inject a failure into a mutating operation. op is the Tx method
// name, key the row id it targets.
type Hook func(op, key string) error

type Store struct {
	mu   sync.Mutex
	st   *state
	hook Hook
}

type state struct {
	products      map[string]domain.Product
	movements     []domain.StockMovement
	carts         map[string][]cartEntry
	addresses     map[string]domain.Address
	orders        map[string]domain.Order
	couponUses    map[string]int
	couponUsages  []domain.CouponUsage
	payments      map[string]domain.Payment
	webhookEvents map[string]domain.WebhookEvent
}

type cartEntry struct {
	productID string
	qty       int
}

func New() *Store {
	return &Store{st: &state{
		products:      map[string]domain.Product{},
		carts:         map[string][]cartEntry{},
		addresses:     map[string]domain.Address{},
		orders:        map[string]domain.Order{},
		couponUses:    map[string]int{},
		payments:      map[string]domain.Payment{},
		webhookEvents: map[string]domain.WebhookEvent{},
	}}
}

// SetHook installs a failure injector; nil removes it.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, hook: s.hook}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (st *state) clone() *state {
	c := &state{
		products:      make(map[string]domain.Product, len(st.products)),
		movements:     append([]domain.StockMovement(nil), st.movements...),
		carts:         make(map[string][]cartEntry, len(st.carts)),
		addresses:     make(map[string]domain.Address, len(st.addresses)),
		orders:        make(map[string]domain.Order, len(st.orders)),
		couponUses:    make(map[string]int, len(st.couponUses)),
		couponUsages:  append([]domain.CouponUsage(nil), st.couponUsages...),
		payments:      make(map[string]domain.Payment, len(st.payments)),
		webhookEvents: make(map[string]domain.WebhookEvent, len(st.webhookEvents)),
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.carts {
		c.carts[k] = append([]cartEntry(nil), v...)
	}
	for k, v := range st.addresses {
		c.addresses[k] = v
	}
	for k, v := range st.orders {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range st.couponUses {
		c.couponUses[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.webhookEvents {
		c.webhookEvents[k] = v
	}
	return c
}

// Seeding and inspection helpers. They bypass transactions.

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

// DeleteProduct hard-deletes a product and detaches it from order history.
func (s *Store) DeleteProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.products, id)
	for oid, o := range s.st.orders {
		for i := range o.Items {
			if o.Items[i].ProductID == id {
				o.Items[i].ProductID = ""
			}
		}
		s.st.orders[oid] = o
	}
}

func (s *Store) PutAddress(a domain.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.addresses[a.ID] = a
}

func (s *Store) AddToCart(userID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.carts[userID] = append(s.st.carts[userID], cartEntry{productID: productID, qty: qty})
}

func (s *Store) PutOrder(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[o.ID] = o
}

func (s *Store) PutPayment(p domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.payments[p.ID] = p
}

func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

func (s *Store) Order(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	return o, ok
}

func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.st.orders))
	for _, o := range s.st.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) PaymentForOrder(orderID string) (domain.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.payments {
		if p.OrderID == orderID {
			return p, true
		}
	}
	return domain.Payment{}, false
}

func (s *Store) Movements(productID string) []domain.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StockMovement
	for _, m := range s.st.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) CartSize(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.carts[userID])
}

func (s *Store) CouponUses(couponID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.couponUses[couponID]
}

func (s *Store) CouponUsages() []domain.CouponUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CouponUsage(nil), s.st.couponUsages...)
}

func (s *Store) WebhookEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.webhookEvents)
}

type tx struct {
	st   *state
	hook Hook
}

func (t *tx) fail(op, key string) error {
	if t.hook == nil {
		return nil
	}
	return t.hook(op, key)
}

func (t *tx) GetProduct(_ context.Context, id string) (domain.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return domain.Product{}, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) LockProduct(ctx context.Context, id string) (domain.Product, error) {
	if err := t.fail("LockProduct", id); err != nil {
		return domain.Product{}, err
	}
	return t.GetProduct(ctx, id)
}

func (t *tx) UpdateProductStock(_ context.Context, id string, stock, reserved int) error {
	if err := t.fail("UpdateProductStock", id); err != nil {
		return err
	}
	p, ok := t.st.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Stock, p.ReservedStock = stock, reserved
	t.st.products[id] = p
	return nil
}

func (t *tx) InsertMovement(_ context.Context, m domain.StockMovement) error {
	if err := t.fail("InsertMovement", m.ProductID); err != nil {
		return err
	}
	t.st.movements = append(t.st.movements, m)
	return nil
}

func (t *tx) ListMovements(_ context.Context, productID string) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	for _, m := range t.st.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tx) CartLines(_ context.Context, userID string) ([]domain.CartLine, error) {
	entries := t.st.carts[userID]
	out := make([]domain.CartLine, 0, len(entries))
	for _, e := range entries {
		p, ok := t.st.products[e.productID]
		if !ok {
			continue
		}
		out = append(out, domain.CartLine{ProductID: e.productID, Quantity: e.qty, Product: p})
	}
	return out, nil
}

func (t *tx) ClearCart(_ context.Context, userID string) error {
	if err := t.fail("ClearCart", userID); err != nil {
		return err
	}
	delete(t.st.carts, userID)
	return nil
}

func (t *tx) GetAddress(_ context.Context, id string) (domain.Address, error) {
	a, ok := t.st.addresses[id]
	if !ok {
		return domain.Address{}, store.ErrNotFound
	}
	return a, nil
}

func (t *tx) OrderNumberExists(_ context.Context, number string) (bool, error) {
	for _, o := range t.st.orders {
		if o.OrderNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertOrder(ctx context.Context, o domain.Order) error {
	if err := t.fail("InsertOrder", o.ID); err != nil {
		return err
	}
	if _, ok := t.st.orders[o.ID]; ok {
		return store.ErrDuplicate
	}
	if exists, _ := t.OrderNumberExists(ctx, o.OrderNumber); exists {
		return store.ErrDuplicate
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) GetOrder(_ context.Context, id string) (domain.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.Order{}, store.ErrNotFound
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o, nil
}

func (t *tx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *tx) UpdateOrderStatus(_ context.Context, id string, status domain.OrderStatus, adminNotes string) error {
	if err := t.fail("UpdateOrderStatus", id); err != nil {
		return err
	}
	o, ok := t.st.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.AdminNotes = adminNotes
	o.UpdatedAt = time.Now().UTC()
	t.st.orders[id] = o
	return nil
}

func (t *tx) InsertCouponUsage(_ context.Context, u domain.CouponUsage) error {
	if err := t.fail("InsertCouponUsage", u.CouponID); err != nil {
		return err
	}
	t.st.couponUsages = append(t.st.couponUsages, u)
	return nil
}

func (t *tx) IncrementCouponUsage(_ context.Context, couponID, _ string) error {
	t.st.couponUses[couponID]++
	return nil
}

func (t *tx) GetPaymentByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	for _, p := range t.st.payments {
		if p.OrderID == orderID {
			return p, nil
		}
	}
	return domain.Payment{}, store.ErrNotFound
}

func (t *tx) GetPaymentByIntent(_ context.Context, intentID string) (domain.Payment, error) {
	for _, p := range t.st.payments {
		if p.StripePaymentIntentID == intentID {
			return p, nil
		}
	}
	return domain.Payment{}, store.ErrNotFound
}

func (t *tx) InsertPayment(ctx context.Context, p domain.Payment) error {
	if err := t.fail("InsertPayment", p.OrderID); err != nil {
		return err
	}
	if _, err := t.GetPaymentByOrder(ctx, p.OrderID); err == nil {
		return store.ErrDuplicate
	}
	t.st.payments[p.ID] = p
	return nil
}

func (t *tx) UpdatePayment(_ context.Context, p domain.Payment) error {
	if err := t.fail("UpdatePayment", p.ID); err != nil {
		return err
	}
	if _, ok := t.st.payments[p.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.payments[p.ID] = p
	return nil
}

func (t *tx) DeletePayment(_ context.Context, id string) error {
	if _, ok := t.st.payments[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.payments, id)
	return nil
}

func (t *tx) ListPendingPaymentsBefore(_ context.Context, cutoff time.Time) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range t.st.payments {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) WebhookEventExists(_ context.Context, id string) (bool, error) {
	_, ok := t.st.webhookEvents[id]
	return ok, nil
}

func (t *tx) InsertWebhookEvent(_ context.Context, e domain.WebhookEvent) error {
	if err := t.fail("InsertWebhookEvent", e.ID); err != nil {
		return err
	}
	if _, ok := t.st.webhookEvents[e.ID]; ok {
		return store.ErrDuplicate
	}
	t.st.webhookEvents[e.ID] = e
	return nil
}
