package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/store/memstore"
	"github.com/shopspring/decimal"
)

type fixture struct {
	st  *memstore.Store
	svc *Service
	rec *notify.Recorder
}

func newFixture(t *testing.T, coupons CouponValidator) *fixture {
	t.Helper()
	st := memstore.New()
	st.PutProduct(domain.Product{ID: "p1", SKU: "MUG-1", Name: "Mug", Price: money.MustParse("29.99"), Stock: 10, Active: true})
	st.PutAddress(domain.Address{ID: "a1", UserID: "u1", ShippingAddress: domain.ShippingAddress{FullName: "Ann", City: "Jakarta", Country: "ID"}})
	st.PutAddress(domain.Address{ID: "a2", UserID: "u2"})

	rec := &notify.Recorder{}
	ledger := inventory.NewLedger(st, rec, nil)
	svc := NewService(st, ledger, coupons, FlatShipping{Cost: money.MustParse("10.00")}, FlatTax{}, rec, nil)
	svc.now = func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }
	return &fixture{st: st, svc: svc, rec: rec}
}

func TestCheckoutReservesAndPricesServerSide(t *testing.T) {
	f := newFixture(t, nil)
	f.st.AddToCart("u1", "p1", 2)

	o, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if o.Status != domain.OrderPending {
		t.Fatalf("expected PENDING, got %s", o.Status)
	}
	if o.Subtotal.String() != "59.98" || o.Total.String() != "69.98" {
		t.Fatalf("expected subtotal 59.98 total 69.98, got %s/%s", o.Subtotal, o.Total)
	}
	if !strings.HasPrefix(o.OrderNumber, "ORD-20261015-") || len(o.OrderNumber) != len("ORD-20261015-XXXX") {
		t.Fatalf("unexpected order number %q", o.OrderNumber)
	}
	if len(o.Items) != 1 || o.Items[0].UnitPrice != money.MustParse("29.99") || o.Items[0].ProductSKU != "MUG-1" {
		t.Fatalf("unexpected items %+v", o.Items)
	}
	if o.Shipping.City != "Jakarta" {
		t.Fatalf("shipping address not snapshotted: %+v", o.Shipping)
	}

	p, _ := f.st.Product("p1")
	if p.Stock != 10 || p.ReservedStock != 2 {
		t.Fatalf("expected 10/2, got %d/%d", p.Stock, p.ReservedStock)
	}
	if m := f.st.Movements("p1"); len(m) != 1 || m[0].Type != domain.MovementReservation || m[0].Quantity != -2 {
		t.Fatalf("expected one RESERVATION -2, got %+v", m)
	}
	if f.st.CartSize("u1") != 0 {
		t.Fatal("expected cart to be cleared")
	}
	if f.rec.Count(notify.EventOrderCreated) != 1 {
		t.Fatal("expected OrderCreated")
	}
}

func TestCheckoutAppliesCoupon(t *testing.T) {
	coupons := CouponFunc(func(_ context.Context, code, _ string, _ money.Cents) (Discount, error) {
		if code != "save5" {
			return Discount{}, apperr.BadRequest("coupon %s is not valid", code)
		}
		return Discount{CouponID: "c1", Amount: money.MustParse("5.00")}, nil
	})
	f := newFixture(t, coupons)
	f.st.AddToCart("u1", "p1", 2)

	o, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1", CouponCode: "save5"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if o.Total.String() != "64.98" || o.DiscountAmount.String() != "5.00" || o.CouponCode != "SAVE5" {
		t.Fatalf("unexpected totals %+v", o)
	}
	if f.st.CouponUses("c1") != 1 {
		t.Fatalf("expected coupon used once, got %d", f.st.CouponUses("c1"))
	}
	if u := f.st.CouponUsages(); len(u) != 1 || u[0].OrderID != o.ID {
		t.Fatalf("unexpected usages %+v", u)
	}
}

func TestCheckoutRejectsInvalidCoupon(t *testing.T) {
	f := newFixture(t, nil)
	f.st.AddToCart("u1", "p1", 1)

	_, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1", CouponCode: "nope"})
	if apperr.KindOf(err) != apperr.KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if p, _ := f.st.Product("p1"); p.ReservedStock != 0 {
		t.Fatalf("reservation leaked: %d", p.ReservedStock)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"})
	if apperr.CodeOf(err) != apperr.CodeEmptyCart {
		t.Fatalf("expected empty cart, got %v", err)
	}
	if len(f.st.Orders()) != 0 {
		t.Fatal("expected no order")
	}
}

func TestCheckoutInsufficientStock(t *testing.T) {
	f := newFixture(t, nil)
	f.st.AddToCart("u1", "p1", 11)

	_, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"})
	if apperr.CodeOf(err) != apperr.CodeInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if f.st.CartSize("u1") != 1 {
		t.Fatal("cart should be untouched")
	}
}

func TestCheckoutInactiveProduct(t *testing.T) {
	f := newFixture(t, nil)
	f.st.PutProduct(domain.Product{ID: "p2", Name: "Old", Price: 100, Stock: 5})
	f.st.AddToCart("u1", "p2", 1)

	_, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"})
	if apperr.CodeOf(err) != apperr.CodeProductUnavailable {
		t.Fatalf("expected product unavailable, got %v", err)
	}
}

func TestCheckoutForeignAddressIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.st.AddToCart("u1", "p1", 1)

	_, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a2"})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckoutRollsBackWhenReservationFails(t *testing.T) {
	f := newFixture(t, nil)
	f.st.PutProduct(domain.Product{ID: "p2", Name: "Plate", Price: 500, Stock: 3, Active: true})
	f.st.AddToCart("u1", "p1", 2)
	f.st.AddToCart("u1", "p2", 1)
	f.st.SetHook(func(op, key string) error {
		if op == "UpdateProductStock" && key == "p2" {
			return errors.New("deadlock detected")
		}
		return nil
	})

	if _, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"}); err == nil {
		t.Fatal("expected failure")
	}
	f.st.SetHook(nil)

	if p, _ := f.st.Product("p1"); p.ReservedStock != 0 {
		t.Fatalf("p1 reservation leaked: %d", p.ReservedStock)
	}
	if n := len(f.st.Movements("p1")); n != 0 {
		t.Fatalf("expected no movements, got %d", n)
	}
	if len(f.st.Orders()) != 0 {
		t.Fatal("expected no order")
	}
	if f.st.CartSize("u1") != 2 {
		t.Fatal("cart should survive a failed checkout")
	}
	if f.rec.Count(notify.EventOrderCreated) != 0 {
		t.Fatal("no event expected after rollback")
	}
}

func TestCheckoutLocksProductsInIDOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.st.PutProduct(domain.Product{ID: "p9", Name: "Bowl", Price: 700, Stock: 5, Active: true})
	f.st.PutProduct(domain.Product{ID: "p0", Name: "Spoon", Price: 100, Stock: 5, Active: true})
	f.st.AddToCart("u1", "p9", 1)
	f.st.AddToCart("u1", "p1", 1)
	f.st.AddToCart("u1", "p0", 1)

	var locked []string
	f.st.SetHook(func(op, key string) error {
		if op == "LockProduct" {
			locked = append(locked, key)
		}
		return nil
	})
	if _, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	f.st.SetHook(nil)

	// Each line is locked once for pricing and once more by its reservation.
	var first []string
	seen := map[string]bool{}
	for _, id := range locked {
		if !seen[id] {
			seen[id] = true
			first = append(first, id)
		}
	}
	if strings.Join(first, ",") != "p0,p1,p9" {
		t.Fatalf("expected locks in id order, got %v", locked)
	}
}

func TestOrderNumberFallsBackAfterCollisions(t *testing.T) {
	f := newFixture(t, nil)
	f.st.PutOrder(domain.Order{ID: "old", OrderNumber: "ORD-20261015-AAAA", UserID: "u9"})
	calls := 0
	f.svc.suffix = func() (string, error) {
		calls++
		return "AAAA", nil
	}
	f.st.AddToCart("u1", "p1", 1)

	o, err := f.svc.Checkout(context.Background(), Input{UserID: "u1", ShippingAddressID: "a1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if calls != orderNumberAttempts {
		t.Fatalf("expected %d attempts, got %d", orderNumberAttempts, calls)
	}
	if o.OrderNumber == "ORD-20261015-AAAA" || !strings.HasPrefix(o.OrderNumber, "ORD-20261015-") {
		t.Fatalf("unexpected fallback number %q", o.OrderNumber)
	}
}

func TestFlatTaxRoundsToCents(t *testing.T) {
	tax := FlatTax{Rate: decimal.RequireFromString("0.11")}
	if got := tax.Tax(money.MustParse("59.98")); got.String() != "6.60" {
		t.Fatalf("expected 6.60, got %s", got)
	}
	free, err := FlatShipping{Cost: 1000, FreeOver: 10000}.ShippingCost("", 15000)
	if err != nil || free != 0 {
		t.Fatalf("expected free shipping, got %s (%v)", free, err)
	}
}
