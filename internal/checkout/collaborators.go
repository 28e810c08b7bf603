package checkout

import (
	"context"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/shopspring/decimal"
)

// Discount is what a coupon is worth on a given cart.
type Discount struct {
	CouponID string
	Amount   money.Cents
}

// CouponValidator checks a code for a user and subtotal. Its errors are
// returned to the customer unchanged.
type CouponValidator interface {
	Validate(ctx context.Context, code, userID string, subtotal money.Cents) (Discount, error)
}

type ShippingCalculator interface {
	ShippingCost(methodID string, subtotal money.Cents) (money.Cents, error)
}

type TaxCalculator interface {
	Tax(subtotal money.Cents) money.Cents
}

// CouponFunc adapts a function to CouponValidator.
type CouponFunc func(ctx context.Context, code, userID string, subtotal money.Cents) (Discount, error)

func (f CouponFunc) Validate(ctx context.Context, code, userID string, subtotal money.Cents) (Discount, error) {
	return f(ctx, code, userID, subtotal)
}

// NoCoupons rejects every code.
var NoCoupons = CouponFunc(func(_ context.Context, code, _ string, _ money.Cents) (Discount, error) {
	return Discount{}, apperr.BadRequest("coupon %s is not valid", code)
})

// FlatShipping charges the same cost for every method, free above
// FreeOver when that is set.
type FlatShipping struct {
	Cost     money.Cents
	FreeOver money.Cents
}

func (f FlatShipping) ShippingCost(_ string, subtotal money.Cents) (money.Cents, error) {
	if f.FreeOver > 0 && subtotal >= f.FreeOver {
		return 0, nil
	}
	return f.Cost, nil
}

// FlatTax applies one rate to the subtotal.
type FlatTax struct {
	Rate decimal.Decimal
}

func (f FlatTax) Tax(subtotal money.Cents) money.Cents {
	if f.Rate.IsZero() {
		return 0
	}
	return subtotal.MulRate(f.Rate)
}
