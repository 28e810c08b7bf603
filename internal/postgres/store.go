package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/money"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store runs store.Tx work in a read-committed transaction. Lock* reads
// and payment lookups use SELECT ... FOR UPDATE so concurrent writers to
// the same row queue up behind each other.
type Store struct{ DB *pgxpool.Pool }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txn{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pe.ConstraintName)
	}
	return err
}

type txn struct{ tx pgx.Tx }

const productCols = `id, sku, name, image_url, price_cents, stock, reserved_stock, low_stock_threshold, active, created_at, updated_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		p     domain.Product
		price int64
	)
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.ImageURL, &price, &p.Stock, &p.ReservedStock,
		&p.LowStockThreshold, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, mapErr(err)
	}
	p.Price = money.Cents(price)
	return p, nil
}

func (t *txn) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
}

func (t *txn) LockProduct(ctx context.Context, id string) (domain.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id))
}

func (t *txn) UpdateProductStock(ctx context.Context, id string, stock, reserved int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock=$2, reserved_stock=$3, updated_at=now()
		WHERE id=$1`, id, stock, reserved)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) InsertMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_movements(id, product_id, type, quantity, stock_before, stock_after, user_id, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.ProductID, string(m.Type), m.Quantity, m.StockBefore, m.StockAfter, m.UserID, m.Reason, m.CreatedAt)
	return mapErr(err)
}

func (t *txn) ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, type, quantity, stock_before, stock_after, user_id, reason, created_at
		FROM stock_movements WHERE product_id=$1 ORDER BY created_at, id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StockMovement
	for rows.Next() {
		var (
			m   domain.StockMovement
			typ string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &typ, &m.Quantity, &m.StockBefore, &m.StockAfter, &m.UserID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = domain.MovementType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *txn) CartLines(ctx context.Context, userID string) ([]domain.CartLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT ci.quantity, p.id, p.sku, p.name, p.image_url, p.price_cents, p.stock, p.reserved_stock,
		       p.low_stock_threshold, p.active, p.created_at, p.updated_at
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id=$1
		ORDER BY p.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CartLine
	for rows.Next() {
		var (
			l     domain.CartLine
			p     domain.Product
			price int64
		)
		if err := rows.Scan(&l.Quantity, &p.ID, &p.SKU, &p.Name, &p.ImageURL, &price, &p.Stock, &p.ReservedStock,
			&p.LowStockThreshold, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Price = money.Cents(price)
		l.ProductID, l.Product = p.ID, p
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *txn) ClearCart(ctx context.Context, userID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1`, userID)
	return err
}

func (t *txn) GetAddress(ctx context.Context, id string) (domain.Address, error) {
	var a domain.Address
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, full_name, line1, line2, city, state, postal_code, country, phone
		FROM addresses WHERE id=$1`, id).
		Scan(&a.ID, &a.UserID, &a.FullName, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country, &a.Phone)
	if err != nil {
		return domain.Address{}, mapErr(err)
	}
	return a, nil
}

func (t *txn) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE order_number=$1)`, number).Scan(&ok)
	return ok, err
}

func (t *txn) InsertOrder(ctx context.Context, o domain.Order) error {
	s := o.Shipping
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, user_id, status, subtotal_cents, discount_cents, shipping_cents, tax_cents,
		                   total_cents, coupon_code, ship_full_name, ship_line1, ship_line2, ship_city, ship_state,
		                   ship_postal_code, ship_country, ship_phone, notes, admin_notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		o.ID, o.OrderNumber, o.UserID, string(o.Status), int64(o.Subtotal), int64(o.DiscountAmount),
		int64(o.ShippingCost), int64(o.Tax), int64(o.Total), o.CouponCode,
		s.FullName, s.Line1, s.Line2, s.City, s.State, s.PostalCode, s.Country, s.Phone,
		o.Notes, o.AdminNotes, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}

	for _, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, product_name, product_sku, image_url, quantity,
			                        unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			it.ID, o.ID, nullable(it.ProductID), it.ProductName, it.ProductSKU, it.ImageURL, it.Quantity,
			int64(it.UnitPrice), int64(it.LineTotal)); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

const orderCols = `id, order_number, user_id, status, subtotal_cents, discount_cents, shipping_cents, tax_cents,
	total_cents, coupon_code, ship_full_name, ship_line1, ship_line2, ship_city, ship_state, ship_postal_code,
	ship_country, ship_phone, notes, admin_notes, created_at, updated_at`

func (t *txn) loadOrder(ctx context.Context, query, id string) (domain.Order, error) {
	var (
		o                                        domain.Order
		status                                   string
		subtotal, discount, shipping, tax, total int64
	)
	s := &o.Shipping
	err := t.tx.QueryRow(ctx, query, id).Scan(&o.ID, &o.OrderNumber, &o.UserID, &status,
		&subtotal, &discount, &shipping, &tax, &total, &o.CouponCode,
		&s.FullName, &s.Line1, &s.Line2, &s.City, &s.State, &s.PostalCode, &s.Country, &s.Phone,
		&o.Notes, &o.AdminNotes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, mapErr(err)
	}
	o.Status = domain.OrderStatus(status)
	o.Subtotal, o.DiscountAmount = money.Cents(subtotal), money.Cents(discount)
	o.ShippingCost, o.Tax, o.Total = money.Cents(shipping), money.Cents(tax), money.Cents(total)

	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, product_name, product_sku, image_url, quantity, unit_price_cents, line_total_cents
		FROM order_items WHERE order_id=$1 ORDER BY id`, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it              domain.OrderItem
			productID       *string
			unit, lineTotal int64
		)
		if err := rows.Scan(&it.ID, &productID, &it.ProductName, &it.ProductSKU, &it.ImageURL, &it.Quantity, &unit, &lineTotal); err != nil {
			return domain.Order{}, err
		}
		if productID != nil {
			it.ProductID = *productID
		}
		it.OrderID = o.ID
		it.UnitPrice, it.LineTotal = money.Cents(unit), money.Cents(lineTotal)
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (t *txn) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return t.loadOrder(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
}

func (t *txn) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return t.loadOrder(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

func (t *txn) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, adminNotes string) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, admin_notes=$3, updated_at=now() WHERE id=$1`,
		id, string(status), adminNotes)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) InsertCouponUsage(ctx context.Context, u domain.CouponUsage) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO coupon_usages(id, coupon_id, user_id, order_id, discount_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		u.ID, u.CouponID, u.UserID, u.OrderID, int64(u.DiscountAmount), u.CreatedAt)
	return mapErr(err)
}

// IncrementCouponUsage fails with ErrCouponExhausted when a concurrent
// checkout used the last slot. The coupon row lock queues checkouts of the
// same coupon, so the per-user count sees every committed usage plus the
// caller's own row.
func (t *txn) IncrementCouponUsage(ctx context.Context, couponID, userID string) error {
	var perUser *int
	if err := t.tx.QueryRow(ctx, `SELECT per_user_limit FROM coupons WHERE id=$1 FOR UPDATE`, couponID).Scan(&perUser); err != nil {
		return mapErr(err)
	}
	if perUser != nil {
		var used int
		if err := t.tx.QueryRow(ctx, `
			SELECT count(*) FROM coupon_usages WHERE coupon_id=$1 AND user_id=$2`, couponID, userID).Scan(&used); err != nil {
			return err
		}
		if used > *perUser {
			return ErrCouponExhausted
		}
	}

	ct, err := t.tx.Exec(ctx, `
		UPDATE coupons SET usage_count = usage_count + 1
		WHERE id=$1 AND (usage_limit IS NULL OR usage_count < usage_limit)`, couponID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrCouponExhausted
	}
	return nil
}

const paymentCols = `id, order_id, stripe_payment_intent_id, status, amount_cents, refunded_cents, currency,
	stripe_refund_id, failure_code, failure_message, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p                domain.Payment
		status           string
		amount, refunded int64
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.StripePaymentIntentID, &status, &amount, &refunded, &p.Currency,
		&p.StripeRefundID, &p.FailureCode, &p.FailureMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Payment{}, mapErr(err)
	}
	p.Status = domain.PaymentStatus(status)
	p.Amount, p.RefundedAmount = money.Cents(amount), money.Cents(refunded)
	return p, nil
}

func (t *txn) GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id=$1 FOR UPDATE`, orderID))
}

func (t *txn) GetPaymentByIntent(ctx context.Context, intentID string) (domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE stripe_payment_intent_id=$1 FOR UPDATE`, intentID))
}

func (t *txn) InsertPayment(ctx context.Context, p domain.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments(id, order_id, stripe_payment_intent_id, status, amount_cents, refunded_cents, currency,
		                     stripe_refund_id, failure_code, failure_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.OrderID, p.StripePaymentIntentID, string(p.Status), int64(p.Amount), int64(p.RefundedAmount),
		p.Currency, p.StripeRefundID, p.FailureCode, p.FailureMessage, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (t *txn) UpdatePayment(ctx context.Context, p domain.Payment) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE payments SET status=$2, refunded_cents=$3, stripe_refund_id=$4, failure_code=$5,
		                    failure_message=$6, updated_at=$7
		WHERE id=$1`,
		p.ID, string(p.Status), int64(p.RefundedAmount), p.StripeRefundID, p.FailureCode, p.FailureMessage, p.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) DeletePayment(ctx context.Context, id string) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM payments WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) ListPendingPaymentsBefore(ctx context.Context, cutoff time.Time) ([]domain.Payment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE status='PENDING' AND created_at < $1
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txn) WebhookEventExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_events WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

// InsertWebhookEvent relies on the primary key: of two concurrent
// deliveries, the second blocks on the first and then fails with
// ErrDuplicate.
func (t *txn) InsertWebhookEvent(ctx context.Context, e domain.WebhookEvent) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO webhook_events(id, type, created_at) VALUES ($1,$2,$3)`, e.ID, e.Type, e.CreatedAt)
	return mapErr(err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
