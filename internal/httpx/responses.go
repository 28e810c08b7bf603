package httpx

import (
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
)

type addressResp struct {
	FullName   string `json:"full_name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type itemResp struct {
	ProductID   string      `json:"product_id,omitempty"`
	ProductName string      `json:"product_name"`
	ProductSKU  string      `json:"product_sku"`
	ImageURL    string      `json:"image_url,omitempty"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Cents `json:"unit_price"`
	LineTotal   money.Cents `json:"line_total"`
}

type orderResp struct {
	ID             string      `json:"id"`
	OrderNumber    string      `json:"order_number"`
	UserID         string      `json:"user_id"`
	Status         string      `json:"status"`
	Subtotal       money.Cents `json:"subtotal"`
	DiscountAmount money.Cents `json:"discount_amount"`
	ShippingCost   money.Cents `json:"shipping_cost"`
	Tax            money.Cents `json:"tax"`
	Total          money.Cents `json:"total"`
	CouponCode     string      `json:"coupon_code,omitempty"`
	Shipping       addressResp `json:"shipping_address"`
	Notes          string      `json:"notes,omitempty"`
	AdminNotes     string      `json:"admin_notes,omitempty"`
	Items          []itemResp  `json:"items"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// toOrderResp renders o. Admin notes are internal and only shown to admins.
func toOrderResp(o domain.Order, admin bool) orderResp {
	out := orderResp{
		ID:             o.ID,
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		Status:         string(o.Status),
		Subtotal:       o.Subtotal,
		DiscountAmount: o.DiscountAmount,
		ShippingCost:   o.ShippingCost,
		Tax:            o.Tax,
		Total:          o.Total,
		CouponCode:     o.CouponCode,
		Shipping:       addressResp(o.Shipping),
		Notes:          o.Notes,
		Items:          make([]itemResp, 0, len(o.Items)),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if admin {
		out.AdminNotes = o.AdminNotes
	}
	for _, it := range o.Items {
		out.Items = append(out.Items, itemResp{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			ProductSKU:  it.ProductSKU,
			ImageURL:    it.ImageURL,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			LineTotal:   it.LineTotal,
		})
	}
	return out
}

type paymentResp struct {
	ID              string      `json:"id"`
	OrderID         string      `json:"order_id"`
	PaymentIntentID string      `json:"payment_intent_id"`
	Status          string      `json:"status"`
	Amount          money.Cents `json:"amount"`
	RefundedAmount  money.Cents `json:"refunded_amount"`
	Currency        string      `json:"currency"`
	RefundID        string      `json:"refund_id,omitempty"`
}

func toPaymentResp(p domain.Payment) paymentResp {
	return paymentResp{
		ID:              p.ID,
		OrderID:         p.OrderID,
		PaymentIntentID: p.StripePaymentIntentID,
		Status:          string(p.Status),
		Amount:          p.Amount,
		RefundedAmount:  p.RefundedAmount,
		Currency:        p.Currency,
		RefundID:        p.StripeRefundID,
	}
}

type movementResp struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Quantity    int       `json:"quantity"`
	StockBefore int       `json:"stock_before"`
	StockAfter  int       `json:"stock_after"`
	UserID      string    `json:"user_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toMovementResp(m domain.StockMovement) movementResp {
	return movementResp{
		ID:          m.ID,
		Type:        string(m.Type),
		Quantity:    m.Quantity,
		StockBefore: m.StockBefore,
		StockAfter:  m.StockAfter,
		UserID:      m.UserID,
		Reason:      m.Reason,
		CreatedAt:   m.CreatedAt,
	}
}

type stockResp struct {
	ProductID      string       `json:"product_id"`
	SKU            string       `json:"sku"`
	Stock          int          `json:"stock"`
	ReservedStock  int          `json:"reserved_stock"`
	AvailableStock int          `json:"available_stock"`
	IsLowStock     bool         `json:"is_low_stock"`
	Threshold      int          `json:"low_stock_threshold"`
	Movement       movementResp `json:"movement"`
}

func toStockResp(res inventory.Result) stockResp {
	return stockResp{
		ProductID:      res.ProductID,
		SKU:            res.SKU,
		Stock:          res.Stock,
		ReservedStock:  res.ReservedStock,
		AvailableStock: res.AvailableStock,
		IsLowStock:     res.IsLowStock,
		Threshold:      res.Threshold,
		Movement:       toMovementResp(res.Movement),
	}
}
