package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/domain"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStatus is the value kept under KeyOrderStatus.
type CachedStatus struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

// StatusCache is a read-through cache of order status. The database stays
// the source of truth; entries are dropped whenever the status changes.
type StatusCache struct {
	RDB    *redis.Client
	Logger *zap.Logger
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool) {
	s, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.Logger.Warn("status cache get", zap.String("order_id", orderID), zap.Error(err))
		}
		return CachedStatus{}, false
	}
	var cs CachedStatus
	if err := json.Unmarshal([]byte(s), &cs); err != nil {
		return CachedStatus{}, false
	}
	return cs, true
}

// Set overwrites the entry. Only status changes write this way.
func (c *StatusCache) Set(ctx context.Context, orderID string, cs CachedStatus) {
	b, _ := json.Marshal(cs)
	if err := c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err(); err != nil {
		c.Logger.Warn("status cache set", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Fill stores a value read from the database unless an entry already
// exists. A status change that lands between the read and Fill wins.
func (c *StatusCache) Fill(ctx context.Context, orderID string, cs CachedStatus) {
	b, _ := json.Marshal(cs)
	if err := c.RDB.SetNX(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err(); err != nil {
		c.Logger.Warn("status cache fill", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) {
	if err := c.RDB.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err(); err != nil {
		c.Logger.Warn("status cache invalidate", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Notify lets the cache sit in the notification fanout: status changes
// write the new status through, so a concurrent Fill cannot bring back the
// old one. Events without a typed payload evict the entry.
func (c *StatusCache) Notify(ctx context.Context, ev notify.Event) {
	switch p := ev.Payload.(type) {
	case notify.OrderStatusChangedPayload:
		c.Set(ctx, p.OrderID, CachedStatus{Status: p.To, UserID: p.UserID})
	case notify.OrderCreatedPayload:
		c.Set(ctx, p.OrderID, CachedStatus{Status: string(domain.OrderPending), UserID: p.UserID})
	default:
		if ev.Type == notify.EventOrderStatusChanged || ev.Type == notify.EventOrderCreated {
			c.Invalidate(ctx, ev.Key)
		}
	}
}

// WebhookSeen is a fast-path marker for gateway events that were already
// applied. A miss says nothing; the webhook_events table decides.
type WebhookSeen struct {
	RDB    *redis.Client
	Logger *zap.Logger
}

func (w *WebhookSeen) Seen(ctx context.Context, eventID string) bool {
	ok, err := Exists(ctx, w.RDB, fmt.Sprintf(KeyWebhookSeen, eventID))
	if err != nil {
		w.Logger.Warn("webhook seen lookup", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return ok
}

func (w *WebhookSeen) MarkSeen(ctx context.Context, eventID string) {
	if err := w.RDB.Set(ctx, fmt.Sprintf(KeyWebhookSeen, eventID), "1", TTLWebhookSeen).Err(); err != nil {
		w.Logger.Warn("webhook seen mark", zap.String("event_id", eventID), zap.Error(err))
	}
}
