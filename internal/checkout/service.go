// Package checkout turns a customer's cart into a PENDING order with every
// line reserved, in one transaction.
package checkout

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	orderNumberAttempts = 5
	suffixAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type Input struct {
	UserID            string
	ShippingAddressID string
	CouponCode        string
	Notes             string
	ShippingMethodID  string
}

type Service struct {
	store    store.Store
	ledger   *inventory.Ledger
	coupons  CouponValidator
	shipping ShippingCalculator
	tax      TaxCalculator
	sink     notify.Sink
	logger   *zap.Logger

	now    func() time.Time
	suffix func() (string, error)
}

func NewService(st store.Store, ledger *inventory.Ledger, coupons CouponValidator, shipping ShippingCalculator, tax TaxCalculator, sink notify.Sink, logger *zap.Logger) *Service {
	if coupons == nil {
		coupons = NoCoupons
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		ledger:   ledger,
		coupons:  coupons,
		shipping: shipping,
		tax:      tax,
		sink:     sink,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		suffix:   randomSuffix,
	}
}

// Checkout places an order for everything in the user's cart. Stock is
// checked once before the transaction to fail fast, and again under row
// locks inside it; only the second check is authoritative.
func (s *Service) Checkout(ctx context.Context, in Input) (domain.Order, error) {
	if in.UserID == "" {
		return domain.Order{}, apperr.BadRequest("user id is required")
	}
	if in.ShippingAddressID == "" {
		return domain.Order{}, apperr.BadRequest("shipping address is required")
	}
	if err := s.precheck(ctx, in.UserID); err != nil {
		return domain.Order{}, err
	}

	var order domain.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lines, err := tx.CartLines(ctx, in.UserID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if len(lines) == 0 {
			return apperr.New(apperr.CodeEmptyCart, "cart is empty")
		}
		// Lock products in id order so overlapping carts cannot deadlock.
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		items := make([]domain.OrderItem, 0, len(lines))
		var subtotal money.Cents
		for _, line := range lines {
			p, err := tx.LockProduct(ctx, line.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				return apperr.Newf(apperr.CodeProductUnavailable, "product %s is no longer available", line.Product.Name)
			}
			if err != nil {
				return fmt.Errorf("lock product %s: %w", line.ProductID, err)
			}
			if err := validateLine(line.Quantity, p); err != nil {
				return err
			}
			lineTotal := p.Price.Times(line.Quantity)
			subtotal += lineTotal
			items = append(items, domain.OrderItem{
				ID:          uuid.NewString(),
				ProductID:   p.ID,
				ProductName: p.Name,
				ProductSKU:  p.SKU,
				ImageURL:    p.ImageURL,
				Quantity:    line.Quantity,
				UnitPrice:   p.Price,
				LineTotal:   lineTotal,
			})
		}

		addr, err := tx.GetAddress(ctx, in.ShippingAddressID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && addr.UserID != in.UserID) {
			return apperr.NotFound("shipping address %s not found", in.ShippingAddressID)
		}
		if err != nil {
			return fmt.Errorf("load address: %w", err)
		}

		var discount Discount
		if code := strings.TrimSpace(in.CouponCode); code != "" {
			if discount, err = s.coupons.Validate(ctx, code, in.UserID, subtotal); err != nil {
				return err
			}
		}
		shipping, err := s.shipping.ShippingCost(in.ShippingMethodID, subtotal)
		if err != nil {
			return err
		}
		tax := s.tax.Tax(subtotal)

		now := s.now()
		number, err := s.orderNumber(ctx, tx, now)
		if err != nil {
			return err
		}
		order = domain.Order{
			ID:             uuid.NewString(),
			OrderNumber:    number,
			UserID:         in.UserID,
			Status:         domain.OrderPending,
			Subtotal:       subtotal,
			DiscountAmount: discount.Amount,
			ShippingCost:   shipping,
			Tax:            tax,
			Total:          subtotal - discount.Amount + shipping + tax,
			Shipping:       addr.ShippingAddress,
			Notes:          in.Notes,
			Items:          items,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if discount.CouponID != "" {
			order.CouponCode = strings.ToUpper(strings.TrimSpace(in.CouponCode))
		}
		for i := range order.Items {
			order.Items[i].OrderID = order.ID
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		ref := inventory.Ref{UserID: in.UserID, Reason: "checkout " + number}
		for _, it := range order.Items {
			if _, err := s.ledger.Reserve(ctx, tx, it.ProductID, it.Quantity, ref); err != nil {
				return err
			}
		}

		if discount.CouponID != "" {
			usage := domain.CouponUsage{
				ID:             uuid.NewString(),
				CouponID:       discount.CouponID,
				UserID:         in.UserID,
				OrderID:        order.ID,
				DiscountAmount: discount.Amount,
				CreatedAt:      now,
			}
			if err := tx.InsertCouponUsage(ctx, usage); err != nil {
				return fmt.Errorf("record coupon usage: %w", err)
			}
			if err := tx.IncrementCouponUsage(ctx, discount.CouponID, in.UserID); err != nil {
				return fmt.Errorf("increment coupon usage: %w", err)
			}
		}

		if err := tx.ClearCart(ctx, in.UserID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Total.String()))
	s.sink.Notify(ctx, created(order))
	return order, nil
}

func (s *Service) precheck(ctx context.Context, userID string) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lines, err := tx.CartLines(ctx, userID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if len(lines) == 0 {
			return apperr.New(apperr.CodeEmptyCart, "cart is empty")
		}
		for _, line := range lines {
			if err := validateLine(line.Quantity, line.Product); err != nil {
				return err
			}
		}
		return nil
	})
}

func validateLine(qty int, p domain.Product) error {
	if !p.Active {
		return apperr.WithMetadata(apperr.CodeProductUnavailable,
			fmt.Sprintf("product %s is not available", p.Name),
			map[string]string{"product_id": p.ID})
	}
	if qty <= 0 {
		return apperr.Newf(apperr.CodeInvalidQuantity, "invalid quantity %d for %s", qty, p.Name)
	}
	if qty > p.Available() {
		return apperr.WithMetadata(apperr.CodeInsufficientStock,
			fmt.Sprintf("insufficient stock for %s: requested %d, available %d", p.Name, qty, p.Available()),
			map[string]string{"product_id": p.ID})
	}
	return nil
}

// orderNumber returns ORD-YYYYMMDD-XXXX, retrying on collision and falling
// back to a timestamp suffix so a collision is never fatal.
func (s *Service) orderNumber(ctx context.Context, tx store.Tx, now time.Time) (string, error) {
	date := now.Format("20060102")
	for i := 0; i < orderNumberAttempts; i++ {
		suffix, err := s.suffix()
		if err != nil {
			return "", fmt.Errorf("order number suffix: %w", err)
		}
		n := "ORD-" + date + "-" + suffix
		exists, err := tx.OrderNumberExists(ctx, n)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return n, nil
		}
	}
	n := "ORD-" + date + "-" + strings.ToUpper(strconv.FormatInt(now.UnixNano(), 36))
	s.logger.Warn("order number collisions exhausted, using timestamp suffix", zap.String("order_number", n))
	return n, nil
}

func randomSuffix() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := 0; i < 4; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(suffixAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func created(o domain.Order) notify.Event {
	items := make([]notify.ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, notify.ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return notify.Event{
		Type: notify.EventOrderCreated,
		Key:  o.ID,
		Payload: notify.OrderCreatedPayload{
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			UserID:      o.UserID,
			Items:       items,
			Total:       o.Total,
		},
	}
}
