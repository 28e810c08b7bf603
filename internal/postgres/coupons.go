package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrCouponExhausted error = apperr.BadRequest("coupon usage limit reached")

var hundred = decimal.NewFromInt(100)

type coupon struct {
	ID           string
	Code         string
	Type         string
	Value        decimal.Decimal
	MaxDiscount  *int64
	MinSubtotal  int64
	UsageLimit   *int
	UsageCount   int
	PerUserLimit *int
	StartsAt     *time.Time
	ExpiresAt    *time.Time
	Active       bool
}

// CouponValidator reads coupons from the coupons table. Both usage limits
// are enforced again by IncrementCouponUsage inside the checkout transaction.
type CouponValidator struct {
	DB  *pgxpool.Pool
	Now func() time.Time
}

var _ checkout.CouponValidator = (*CouponValidator)(nil)

func (v *CouponValidator) Validate(ctx context.Context, code, userID string, subtotal money.Cents) (checkout.Discount, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var (
		c     coupon
		value string
	)
	err := v.DB.QueryRow(ctx, `
		SELECT id, code, discount_type, discount_value::text, max_discount_cents, min_subtotal_cents,
		       usage_limit, usage_count, per_user_limit, starts_at, expires_at, active
		FROM coupons WHERE upper(code)=$1`, code).
		Scan(&c.ID, &c.Code, &c.Type, &value, &c.MaxDiscount, &c.MinSubtotal,
			&c.UsageLimit, &c.UsageCount, &c.PerUserLimit, &c.StartsAt, &c.ExpiresAt, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkout.Discount{}, apperr.BadRequest("coupon %s is not valid", code)
	}
	if err != nil {
		return checkout.Discount{}, fmt.Errorf("load coupon: %w", err)
	}
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return checkout.Discount{}, fmt.Errorf("coupon %s value %q: %w", c.ID, value, err)
	}

	used := 0
	if c.PerUserLimit != nil {
		if err := v.DB.QueryRow(ctx, `SELECT count(*) FROM coupon_usages WHERE coupon_id=$1 AND user_id=$2`, c.ID, userID).Scan(&used); err != nil {
			return checkout.Discount{}, fmt.Errorf("count coupon usage: %w", err)
		}
	}

	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now()
	}
	amount, err := c.discount(subtotal, used, now)
	if err != nil {
		return checkout.Discount{}, err
	}
	return checkout.Discount{CouponID: c.ID, Amount: amount}, nil
}

// discount checks c against the cart and returns its value, capped at the
// subtotal. used is how often userID already redeemed it.
func (c coupon) discount(subtotal money.Cents, used int, now time.Time) (money.Cents, error) {
	switch {
	case !c.Active:
		return 0, apperr.BadRequest("coupon %s is not active", c.Code)
	case c.StartsAt != nil && now.Before(*c.StartsAt):
		return 0, apperr.BadRequest("coupon %s is not active yet", c.Code)
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return 0, apperr.BadRequest("coupon %s has expired", c.Code)
	case c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit:
		return 0, ErrCouponExhausted
	case c.PerUserLimit != nil && used >= *c.PerUserLimit:
		return 0, apperr.BadRequest("coupon %s was already used", c.Code)
	case int64(subtotal) < c.MinSubtotal:
		return 0, apperr.BadRequest("coupon %s requires a subtotal of at least %s", c.Code, money.Cents(c.MinSubtotal))
	}

	var amount money.Cents
	switch c.Type {
	case "FIXED":
		amount = money.FromDecimal(c.Value)
	case "PERCENT":
		amount = subtotal.MulRate(c.Value.Div(hundred))
		if c.MaxDiscount != nil && amount > money.Cents(*c.MaxDiscount) {
			amount = money.Cents(*c.MaxDiscount)
		}
	default:
		return 0, fmt.Errorf("coupon %s has unknown type %q", c.ID, c.Type)
	}
	if amount > subtotal {
		amount = subtotal
	}
	return amount, nil
}
