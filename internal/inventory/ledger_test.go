package inventory

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"github.com/ariefcatur/go-order-fulfillment/internal/store/memstore"
)

func newLedger(t *testing.T, products ...domain.Product) (*Ledger, *memstore.Store, *notify.Recorder) {
	t.Helper()
	st := memstore.New()
	for _, p := range products {
		st.PutProduct(p)
	}
	rec := &notify.Recorder{}
	return NewLedger(st, rec, nil), st, rec
}

func inTx(t *testing.T, st store.Store, fn func(ctx context.Context, tx store.Tx) error) error {
	t.Helper()
	return st.InTx(context.Background(), fn)
}

func TestReserveReserveConfirmSale(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Name: "Mug", Stock: 10, Active: true})

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.Reserve(ctx, tx, "p1", 2, Ref{Reason: "order A"}); err != nil {
			return err
		}
		if _, err := l.Reserve(ctx, tx, "p1", 3, Ref{Reason: "order A"}); err != nil {
			return err
		}
		res, err := l.ConfirmSale(ctx, tx, "p1", 5, Ref{Reason: "order A"})
		if err != nil {
			return err
		}
		if res.Stock != 5 || res.ReservedStock != 0 || res.AvailableStock != 5 {
			t.Fatalf("unexpected post-state %+v", res)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ledger ops: %v", err)
	}

	p, _ := st.Product("p1")
	if p.Stock != 5 || p.ReservedStock != 0 {
		t.Fatalf("expected stock 5 reserved 0, got %d/%d", p.Stock, p.ReservedStock)
	}
	moves := st.Movements("p1")
	if len(moves) != 3 {
		t.Fatalf("expected 3 movements, got %d", len(moves))
	}
	wantTypes := []domain.MovementType{domain.MovementReservation, domain.MovementReservation, domain.MovementSale}
	wantQty := []int{-2, -3, -5}
	for i, m := range moves {
		if m.Type != wantTypes[i] || m.Quantity != wantQty[i] {
			t.Fatalf("movement %d: expected %s %d, got %s %d", i, wantTypes[i], wantQty[i], m.Type, m.Quantity)
		}
	}
	if moves[2].StockBefore != 10 || moves[2].StockAfter != 5 {
		t.Fatalf("sale movement recorded %d->%d", moves[2].StockBefore, moves[2].StockAfter)
	}
}

func TestReserveRejectsMoreThanAvailable(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Name: "Mug", Stock: 5, ReservedStock: 4})

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Reserve(ctx, tx, "p1", 2, Ref{})
		return err
	})
	if apperr.CodeOf(err) != apperr.CodeInsufficientStock || apperr.KindOf(err) != apperr.KindBadRequest {
		t.Fatalf("expected insufficient stock bad request, got %v", err)
	}
	if n := len(st.Movements("p1")); n != 0 {
		t.Fatalf("expected no movement, got %d", n)
	}
}

func TestReleaseMoreThanReservedFails(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Name: "Mug", Stock: 5, ReservedStock: 2})

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Release(ctx, tx, "p1", 3, Ref{})
		return err
	})
	if apperr.KindOf(err) != apperr.KindBadRequest || apperr.CodeOf(err) != apperr.CodeInvalidRelease {
		t.Fatalf("expected invalid release, got %v", err)
	}
	if n := len(st.Movements("p1")); n != 0 {
		t.Fatalf("expected no movement, got %d", n)
	}
	p, _ := st.Product("p1")
	if p.ReservedStock != 2 {
		t.Fatalf("reserved stock changed to %d", p.ReservedStock)
	}
}

func TestNonPositiveQuantitiesRejected(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Stock: 5, ReservedStock: 2})
	type op func(ctx context.Context, tx store.Tx, productID string, qty int, ref Ref) (Result, error)
	cases := []struct {
		name string
		op   op
		qty  int
	}{
		{"reserve", l.Reserve, 0},
		{"release", l.Release, -1},
		{"sale", l.ConfirmSale, 0},
		{"return", l.Return, 0},
		{"adjust", l.Adjust, 0},
	}
	for _, c := range cases {
		err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
			_, err := c.op(ctx, tx, "p1", c.qty, Ref{})
			return err
		})
		if apperr.CodeOf(err) != apperr.CodeInvalidQuantity {
			t.Fatalf("%s: expected invalid quantity, got %v", c.name, err)
		}
	}
}

func TestUnknownProductIsNotFound(t *testing.T) {
	l, st, _ := newLedger(t)
	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Reserve(ctx, tx, "missing", 1, Ref{})
		return err
	})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReturnAddsStock(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Stock: 3})
	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Return(ctx, tx, "p1", 2, Ref{Reason: "cancelled order"})
		return err
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	p, _ := st.Product("p1")
	if p.Stock != 5 {
		t.Fatalf("expected stock 5, got %d", p.Stock)
	}
	m := st.Movements("p1")[0]
	if m.Type != domain.MovementReturn || m.Quantity != 2 || m.StockBefore != 3 || m.StockAfter != 5 {
		t.Fatalf("unexpected movement %+v", m)
	}
}

func TestAdjustStockEmitsLowStockOnlyOnTransition(t *testing.T) {
	l, _, rec := newLedger(t, domain.Product{ID: "p1", SKU: "MUG-1", Stock: 20, LowStockThreshold: 5})
	ctx := context.Background()

	res, err := l.AdjustStock(ctx, AdjustInput{ProductID: "p1", Quantity: -16, Reason: "damaged", UserID: "admin"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !res.IsLowStock || !res.BecameLowStock {
		t.Fatalf("expected low stock transition, got %+v", res)
	}
	if _, err := l.AdjustStock(ctx, AdjustInput{ProductID: "p1", Quantity: -1, Reason: "damaged"}); err != nil {
		t.Fatalf("second adjust: %v", err)
	}
	if n := rec.Count(notify.EventLowStockDetected); n != 1 {
		t.Fatalf("expected one LowStockDetected, got %d", n)
	}
	ev := rec.Events()[0]
	if p := ev.Payload.(notify.LowStockPayload); p.SKU != "MUG-1" || p.Available != 4 || p.Threshold != 5 {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestAdjustCannotUndercutReservations(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Stock: 10, ReservedStock: 8})
	_, err := l.AdjustStock(context.Background(), AdjustInput{ProductID: "p1", Quantity: -5, Reason: "recount"})
	if apperr.KindOf(err) != apperr.KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if n := len(st.Movements("p1")); n != 0 {
		t.Fatalf("expected no movement, got %d", n)
	}
}

func TestAdjustStockRejectsSystemMovementTypes(t *testing.T) {
	l, _, _ := newLedger(t, domain.Product{ID: "p1", Stock: 10})
	_, err := l.AdjustStock(context.Background(), AdjustInput{ProductID: "p1", Quantity: 1, Type: domain.MovementSale})
	if apperr.KindOf(err) != apperr.KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestMovementsOfUnknownProduct(t *testing.T) {
	l, _, _ := newLedger(t)
	if _, err := l.Movements(context.Background(), "nope"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRandomOperationsKeepReservationInvariant(t *testing.T) {
	l, st, _ := newLedger(t, domain.Product{ID: "p1", Stock: 50})
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		qty := r.Intn(8) + 1
		_ = inTx(t, st, func(ctx context.Context, tx store.Tx) error {
			var err error
			switch r.Intn(5) {
			case 0:
				_, err = l.Reserve(ctx, tx, "p1", qty, Ref{})
			case 1:
				_, err = l.Release(ctx, tx, "p1", qty, Ref{})
			case 2:
				_, err = l.ConfirmSale(ctx, tx, "p1", qty, Ref{})
			case 3:
				_, err = l.Return(ctx, tx, "p1", qty, Ref{})
			case 4:
				_, err = l.Adjust(ctx, tx, "p1", qty-4, Ref{})
			}
			return err
		})
		p, _ := st.Product("p1")
		if p.ReservedStock < 0 || p.ReservedStock > p.Stock {
			t.Fatalf("step %d: invariant broken stock=%d reserved=%d", i, p.Stock, p.ReservedStock)
		}
	}
}
