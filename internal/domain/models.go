// Package domain holds the rows the fulfillment engine reads and writes.
package domain

import (
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/money"
)

type Product struct {
	ID                string
	SKU               string
	Name              string
	ImageURL          string
	Price             money.Cents
	Stock             int
	ReservedStock     int
	LowStockThreshold int
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Available is the quantity purchasable right now.
func (p Product) Available() int { return p.Stock - p.ReservedStock }

func (p Product) IsLowStock() bool { return p.Available() <= p.LowStockThreshold }

type MovementType string

const (
	MovementReservation MovementType = "RESERVATION"
	MovementRelease     MovementType = "RELEASE"
	MovementSale        MovementType = "SALE"
	MovementReturn      MovementType = "RETURN"
	MovementAdjustment  MovementType = "ADJUSTMENT"
)

// StockMovement is one immutable row of the inventory audit log. Quantity
// is signed: negative for reserving/decreasing, positive for releasing/
// increasing. StockBefore/StockAfter record physical stock.
type StockMovement struct {
	ID          string
	ProductID   string
	Type        MovementType
	Quantity    int
	StockBefore int
	StockAfter  int
	UserID      string
	Reason      string
	CreatedAt   time.Time
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderConfirmed  OrderStatus = "CONFIRMED"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderPending, OrderConfirmed, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled,
}

// ShippingAddress is the address snapshot copied onto an order.
type ShippingAddress struct {
	FullName   string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

type Address struct {
	ID     string
	UserID string
	ShippingAddress
}

type Order struct {
	ID             string
	OrderNumber    string
	UserID         string
	Status         OrderStatus
	Subtotal       money.Cents
	DiscountAmount money.Cents
	ShippingCost   money.Cents
	Tax            money.Cents
	Total          money.Cents
	CouponCode     string
	Shipping       ShippingAddress
	Notes          string
	AdminNotes     string
	Items          []OrderItem
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderItem is a purchased line frozen at checkout. ProductID is empty when
// the product was deleted after the order was placed.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	ProductSKU  string
	ImageURL    string
	Quantity    int
	UnitPrice   money.Cents
	LineTotal   money.Cents
}

// CartLine is a cart entry joined with the product's current row.
type CartLine struct {
	ProductID string
	Quantity  int
	Product   Product
}

type CouponUsage struct {
	ID             string
	CouponID       string
	UserID         string
	OrderID        string
	DiscountAmount money.Cents
	CreatedAt      time.Time
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefundPending     PaymentStatus = "REFUND_PENDING"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

type Payment struct {
	ID                    string
	OrderID               string
	StripePaymentIntentID string
	Status                PaymentStatus
	Amount                money.Cents
	RefundedAmount        money.Cents
	Currency              string
	StripeRefundID        string
	FailureCode           string
	FailureMessage        string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Refundable is what is left to refund.
func (p Payment) Refundable() money.Cents { return p.Amount - p.RefundedAmount }

// WebhookEvent marks a gateway event id as applied.
type WebhookEvent struct {
	ID        string
	Type      string
	CreatedAt time.Time
}
