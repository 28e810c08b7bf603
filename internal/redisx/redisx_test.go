package redisx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduperMarksOnce(t *testing.T) {
	_, rdb := newTestClient(t)
	d := &Deduper{RDB: rdb, Service: "notifier"}
	ctx := context.Background()

	first, err := d.MarkOnce(ctx, "evt-1")
	if err != nil || !first {
		t.Fatalf("expected first mark, got %v %v", first, err)
	}
	again, err := d.MarkOnce(ctx, "evt-1")
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v %v", again, err)
	}
}

func TestHoldLockIsExclusiveAndReleasable(t *testing.T) {
	_, rdb := newTestClient(t)
	ctx := context.Background()

	_, release, err := HoldLock(ctx, rdb, KeyExpiryLock, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, _, err := HoldLock(ctx, rdb, KeyExpiryLock, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected lock held, got %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, again, err := HoldLock(ctx, rdb, KeyExpiryLock, time.Minute)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = again(ctx)
}

func TestReleaseDoesNotDropForeignLock(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()

	_, release, err := HoldLock(ctx, rdb, KeyExpiryLock, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	_, second, err := HoldLock(ctx, rdb, KeyExpiryLock, time.Minute)
	if err != nil {
		t.Fatalf("second owner acquire: %v", err)
	}
	defer func() { _ = second(ctx) }()
	if err := release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists(KeyExpiryLock) {
		t.Fatal("stale owner must not delete the new owner's lock")
	}
}

func TestHoldLockRenewsWhileHeld(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()

	held, release, err := HoldLock(ctx, rdb, KeyExpiryLock, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(250 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL(KeyExpiryLock) <= 100*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("lock was not renewed, ttl %s", mr.TTL(KeyExpiryLock))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if held.Err() != nil {
		t.Fatal("held context cancelled while lock is owned")
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(KeyExpiryLock) {
		t.Fatal("release must delete the key")
	}
	if held.Err() == nil {
		t.Fatal("held context must end on release")
	}
}

func TestHoldLockCancelsWhenOwnershipLost(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()

	held, release, err := HoldLock(ctx, rdb, KeyExpiryLock, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mr.Set(KeyExpiryLock, "other-owner"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("held context not cancelled after losing the lock")
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := mr.Get(KeyExpiryLock); got != "other-owner" {
		t.Fatalf("foreign lock dropped, got %q", got)
	}
}

func TestStatusCacheInvalidatedByStatusChange(t *testing.T) {
	_, rdb := newTestClient(t)
	ctx := context.Background()
	c := &StatusCache{RDB: rdb, Logger: zap.NewNop()}

	c.Set(ctx, "o1", CachedStatus{Status: "PENDING", UserID: "u1"})
	if got, ok := c.Get(ctx, "o1"); !ok || got.Status != "PENDING" {
		t.Fatalf("expected cached PENDING, got %+v %v", got, ok)
	}
	c.Notify(ctx, notify.Event{Type: notify.EventOrderStatusChanged, Key: "o1"})
	if _, ok := c.Get(ctx, "o1"); ok {
		t.Fatal("expected cache entry to be evicted")
	}
}

func TestStatusCacheWritesThroughStatusChange(t *testing.T) {
	_, rdb := newTestClient(t)
	ctx := context.Background()
	c := &StatusCache{RDB: rdb, Logger: zap.NewNop()}

	c.Notify(ctx, notify.Event{Type: notify.EventOrderCreated, Key: "o1", Payload: notify.OrderCreatedPayload{OrderID: "o1", UserID: "u1"}})
	if got, ok := c.Get(ctx, "o1"); !ok || got.Status != "PENDING" || got.UserID != "u1" {
		t.Fatalf("expected PENDING for u1, got %+v %v", got, ok)
	}
	c.Notify(ctx, notify.Event{Type: notify.EventOrderStatusChanged, Key: "o1", Payload: notify.OrderStatusChangedPayload{OrderID: "o1", UserID: "u1", From: "PENDING", To: "CONFIRMED"}})
	if got, ok := c.Get(ctx, "o1"); !ok || got.Status != "CONFIRMED" {
		t.Fatalf("expected CONFIRMED, got %+v %v", got, ok)
	}
}

// A reader that loaded PENDING from the database before a confirmation
// committed must not overwrite the confirmed status.
func TestStatusCacheFillLosesToConcurrentStatusChange(t *testing.T) {
	_, rdb := newTestClient(t)
	ctx := context.Background()
	c := &StatusCache{RDB: rdb, Logger: zap.NewNop()}

	fromDB := CachedStatus{Status: "PENDING", UserID: "u1"}
	c.Notify(ctx, notify.Event{Type: notify.EventOrderStatusChanged, Key: "o1", Payload: notify.OrderStatusChangedPayload{OrderID: "o1", UserID: "u1", From: "PENDING", To: "CONFIRMED"}})
	c.Fill(ctx, "o1", fromDB)

	if got, ok := c.Get(ctx, "o1"); !ok || got.Status != "CONFIRMED" {
		t.Fatalf("stale fill overwrote the status change: %+v %v", got, ok)
	}
}

func TestStatusCacheFillPopulatesMiss(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()
	c := &StatusCache{RDB: rdb, Logger: zap.NewNop()}

	c.Fill(ctx, "o1", CachedStatus{Status: "SHIPPED", UserID: "u1"})
	if got, ok := c.Get(ctx, "o1"); !ok || got.Status != "SHIPPED" {
		t.Fatalf("expected SHIPPED, got %+v %v", got, ok)
	}
	if ttl := mr.TTL("order_status:o1"); ttl != TTLStatusCache {
		t.Fatalf("expected ttl %v, got %v", TTLStatusCache, ttl)
	}
}

func TestWebhookSeen(t *testing.T) {
	_, rdb := newTestClient(t)
	ctx := context.Background()
	w := &WebhookSeen{RDB: rdb, Logger: zap.NewNop()}

	if w.Seen(ctx, "evt_1") {
		t.Fatal("unexpected hit")
	}
	w.MarkSeen(ctx, "evt_1")
	if !w.Seen(ctx, "evt_1") {
		t.Fatal("expected hit after mark")
	}
}
