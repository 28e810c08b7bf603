// Package store defines the transactional storage contract. Every mutation
// of products, orders, payments, movements and coupon usage goes through a
// Tx handed out by Store.InTx; implementations rely on row locks taken by
// the Lock* reads to serialize concurrent writers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store opens transactions. If fn returns an error the transaction is
// rolled back and the error is returned unchanged.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	// GetProduct reads without locking; LockProduct takes the row lock the
	// inventory ledger needs before validating a delta.
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	LockProduct(ctx context.Context, id string) (domain.Product, error)
	UpdateProductStock(ctx context.Context, id string, stock, reserved int) error
	InsertMovement(ctx context.Context, m domain.StockMovement) error
	ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error)

	CartLines(ctx context.Context, userID string) ([]domain.CartLine, error)
	ClearCart(ctx context.Context, userID string) error
	GetAddress(ctx context.Context, id string) (domain.Address, error)

	OrderNumberExists(ctx context.Context, number string) (bool, error)
	InsertOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	LockOrder(ctx context.Context, id string) (domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, adminNotes string) error

	InsertCouponUsage(ctx context.Context, u domain.CouponUsage) error
	// IncrementCouponUsage re-checks the coupon's global and per-user limits
	// after the caller's usage row was inserted.
	IncrementCouponUsage(ctx context.Context, couponID, userID string) error

	// Payment lookups lock the row.
	GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (domain.Payment, error)
	InsertPayment(ctx context.Context, p domain.Payment) error
	UpdatePayment(ctx context.Context, p domain.Payment) error
	DeletePayment(ctx context.Context, id string) error
	ListPendingPaymentsBefore(ctx context.Context, cutoff time.Time) ([]domain.Payment, error)

	WebhookEventExists(ctx context.Context, id string) (bool, error)
	// InsertWebhookEvent returns ErrDuplicate when the id is already stored.
	InsertWebhookEvent(ctx context.Context, e domain.WebhookEvent) error
}
