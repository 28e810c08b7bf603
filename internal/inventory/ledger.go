// Package inventory owns stock and reservedStock. Every primitive runs on a
// caller-supplied transaction: it locks and re-reads the product row,
// checks its precondition, writes the new counters and appends exactly one
// movement row. Nothing else may write those columns.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ref tags a movement with who caused it and why.
type Ref struct {
	UserID string
	Reason string
}

// Result is the product's post-state.
type Result struct {
	ProductID      string
	SKU            string
	Stock          int
	ReservedStock  int
	AvailableStock int
	IsLowStock     bool
	Threshold      int
	// BecameLowStock is set when this operation flipped IsLowStock on.
	BecameLowStock bool
	Movement       domain.StockMovement
}

type Ledger struct {
	store  store.Store
	sink   notify.Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(st store.Store, sink notify.Sink, logger *zap.Logger) *Ledger {
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: st, sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Reserve holds qty units for an unconfirmed order.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, productID string, qty int, ref Ref) (Result, error) {
	return l.apply(ctx, tx, productID, domain.MovementReservation, -qty, ref, func(p *domain.Product) error {
		if qty <= 0 {
			return invalidQty(qty)
		}
		if qty > p.Available() {
			return apperr.WithMetadata(apperr.CodeInsufficientStock,
				fmt.Sprintf("insufficient stock for %s: requested %d, available %d", p.Name, qty, p.Available()),
				map[string]string{"product_id": p.ID, "requested": fmt.Sprint(qty), "available": fmt.Sprint(p.Available())})
		}
		p.ReservedStock += qty
		return nil
	})
}

// Release drops a reservation that never became a sale.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, productID string, qty int, ref Ref) (Result, error) {
	return l.apply(ctx, tx, productID, domain.MovementRelease, qty, ref, func(p *domain.Product) error {
		if qty <= 0 {
			return invalidQty(qty)
		}
		if qty > p.ReservedStock {
			return apperr.Newf(apperr.CodeInvalidRelease,
				"cannot release %d units of %s: only %d reserved", qty, p.Name, p.ReservedStock)
		}
		p.ReservedStock -= qty
		return nil
	})
}

// ConfirmSale converts a reservation into a physical stock decrement.
func (l *Ledger) ConfirmSale(ctx context.Context, tx store.Tx, productID string, qty int, ref Ref) (Result, error) {
	return l.apply(ctx, tx, productID, domain.MovementSale, -qty, ref, func(p *domain.Product) error {
		if qty <= 0 {
			return invalidQty(qty)
		}
		if qty > p.ReservedStock {
			return apperr.Newf(apperr.CodeInsufficientStock,
				"cannot confirm sale of %d units of %s: only %d reserved", qty, p.Name, p.ReservedStock)
		}
		p.Stock -= qty
		p.ReservedStock -= qty
		return nil
	})
}

// Return puts sold units back on hand.
func (l *Ledger) Return(ctx context.Context, tx store.Tx, productID string, qty int, ref Ref) (Result, error) {
	return l.apply(ctx, tx, productID, domain.MovementReturn, qty, ref, func(p *domain.Product) error {
		if qty <= 0 {
			return invalidQty(qty)
		}
		p.Stock += qty
		return nil
	})
}

// Adjust changes physical stock by delta. The new stock may not drop below
// what is currently reserved.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, productID string, delta int, ref Ref) (Result, error) {
	return l.apply(ctx, tx, productID, domain.MovementAdjustment, delta, ref, func(p *domain.Product) error {
		if delta == 0 {
			return apperr.New(apperr.CodeInvalidQuantity, "adjustment must be non-zero")
		}
		next := p.Stock + delta
		if next < 0 {
			return apperr.Newf(apperr.CodeInsufficientStock,
				"adjustment of %d would make stock of %s negative (%d on hand)", delta, p.Name, p.Stock)
		}
		if next < p.ReservedStock {
			return apperr.Newf(apperr.CodeInsufficientStock,
				"adjustment of %d would leave %s with %d on hand but %d reserved", delta, p.Name, next, p.ReservedStock)
		}
		p.Stock = next
		return nil
	})
}

// AdjustInput is an admin stock correction.
type AdjustInput struct {
	ProductID string
	Quantity  int
	Type      domain.MovementType
	Reason    string
	UserID    string
}

// AdjustStock runs an admin correction in its own transaction. RETURN
// tagged corrections must add stock; anything else is recorded as an
// ADJUSTMENT. LowStockDetected goes out after commit.
func (l *Ledger) AdjustStock(ctx context.Context, in AdjustInput) (Result, error) {
	var res Result
	ref := Ref{UserID: in.UserID, Reason: in.Reason}
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		switch in.Type {
		case domain.MovementReturn:
			res, err = l.Return(ctx, tx, in.ProductID, in.Quantity, ref)
		case domain.MovementAdjustment, "":
			res, err = l.Adjust(ctx, tx, in.ProductID, in.Quantity, ref)
		default:
			err = apperr.BadRequest("movement type %s cannot be recorded manually", in.Type)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	l.logger.Info("stock adjusted",
		zap.String("product_id", in.ProductID),
		zap.Int("delta", in.Quantity),
		zap.Int("stock", res.Stock),
		zap.Int("available", res.AvailableStock),
		zap.String("user_id", in.UserID))
	if res.BecameLowStock {
		l.emitLowStock(ctx, in.ProductID, res)
	}
	return res, nil
}

// Movements returns the audit trail of a product, oldest first.
func (l *Ledger) Movements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return notFound(productID, err)
		}
		var err error
		out, err = tx.ListMovements(ctx, productID)
		return err
	})
	return out, err
}

func (l *Ledger) emitLowStock(ctx context.Context, productID string, res Result) {
	l.sink.Notify(ctx, notify.Event{
		Type: notify.EventLowStockDetected,
		Key:  productID,
		Payload: notify.LowStockPayload{
			ProductID: productID,
			SKU:       res.SKU,
			Available: res.AvailableStock,
			Threshold: res.Threshold,
		},
	})
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, productID string, typ domain.MovementType, signed int, ref Ref, mutate func(p *domain.Product) error) (Result, error) {
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return Result{}, notFound(productID, err)
	}
	before := p
	if err := mutate(&p); err != nil {
		return Result{}, err
	}
	if err := tx.UpdateProductStock(ctx, p.ID, p.Stock, p.ReservedStock); err != nil {
		return Result{}, fmt.Errorf("update stock of %s: %w", p.ID, err)
	}
	m := domain.StockMovement{
		ID:          uuid.NewString(),
		ProductID:   p.ID,
		Type:        typ,
		Quantity:    signed,
		StockBefore: before.Stock,
		StockAfter:  p.Stock,
		UserID:      ref.UserID,
		Reason:      ref.Reason,
		CreatedAt:   l.now(),
	}
	if err := tx.InsertMovement(ctx, m); err != nil {
		return Result{}, fmt.Errorf("record %s movement for %s: %w", typ, p.ID, err)
	}
	return Result{
		ProductID:      p.ID,
		SKU:            p.SKU,
		Stock:          p.Stock,
		ReservedStock:  p.ReservedStock,
		AvailableStock: p.Available(),
		IsLowStock:     p.IsLowStock(),
		Threshold:      p.LowStockThreshold,
		BecameLowStock: p.IsLowStock() && !before.IsLowStock(),
		Movement:       m,
	}, nil
}

func invalidQty(q int) error {
	return apperr.Newf(apperr.CodeInvalidQuantity, "quantity must be positive, got %d", q)
}

func notFound(productID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("product %s not found", productID)
	}
	return fmt.Errorf("load product %s: %w", productID, err)
}
