package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/apperr"
	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testPool connects to POSTGRES_TEST_DSN; the tests are skipped without it.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn, PoolConfig{MaxConns: 16})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func seedProduct(t *testing.T, pool *pgxpool.Pool, stock int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO products(id, sku, name, price_cents, stock) VALUES ($1, $2, 'Test', 1000, $3)`,
		id, "SKU-"+id, stock)
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	pool := testPool(t)
	st := &Store{DB: pool}
	ledger := inventory.NewLedger(st, nil, nil)
	pid := seedProduct(t, pool, 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				_, err := ledger.Reserve(ctx, tx, pid, 1, inventory.Ref{Reason: "race"})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.CodeOf(err) == apperr.CodeInsufficientStock:
				lost++
			default:
				t.Errorf("reserve: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 5 || lost != 7 {
		t.Fatalf("expected 5 reservations and 7 rejections, got %d/%d", ok, lost)
	}
	var movements int
	if err := pool.QueryRow(context.Background(), `SELECT count(*) FROM stock_movements WHERE product_id=$1`, pid).Scan(&movements); err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if movements != 5 {
		t.Fatalf("expected 5 movements, got %d", movements)
	}
}

func TestWebhookEventUniqueness(t *testing.T) {
	pool := testPool(t)
	st := &Store{DB: pool}
	id := "evt_" + uuid.NewString()
	insert := func() error {
		return st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.InsertWebhookEvent(ctx, domain.WebhookEvent{ID: id, Type: "payment_intent.succeeded", CreatedAt: time.Now()})
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMissingRowsMapToNotFound(t *testing.T) {
	pool := testPool(t)
	st := &Store{DB: pool}
	err := st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockOrder(ctx, uuid.NewString())
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPerUserCouponLimitHoldsUnderConcurrentCheckouts(t *testing.T) {
	pool := testPool(t)
	st := &Store{DB: pool}
	ctx := context.Background()
	couponID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO coupons(id, code, discount_type, discount_value, per_user_limit) VALUES ($1, $2, 'FIXED', 5, 1)`,
		couponID, "ONCE-"+couponID); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	redeem := func() error {
		return st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			orderID := uuid.NewString()
			if _, err := pool.Exec(ctx, `
				INSERT INTO orders(id, order_number, user_id, status, subtotal_cents, total_cents)
				VALUES ($1, $2, 'u1', 'PENDING', 1000, 500)`, orderID, "ORD-"+orderID); err != nil {
				return err
			}
			if err := tx.InsertCouponUsage(ctx, domain.CouponUsage{
				ID: uuid.NewString(), CouponID: couponID, UserID: "u1", OrderID: orderID, DiscountAmount: 500, CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
			return tx.IncrementCouponUsage(ctx, couponID, "u1")
		})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := redeem()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCouponExhausted):
				lost++
			default:
				t.Errorf("redeem: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || lost != 3 {
		t.Fatalf("expected 1 redemption and 3 rejections, got %d/%d", ok, lost)
	}
	var used int
	if err := pool.QueryRow(ctx, `SELECT usage_count FROM coupons WHERE id=$1`, couponID).Scan(&used); err != nil {
		t.Fatalf("read usage: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected usage_count 1, got %d", used)
	}
}
