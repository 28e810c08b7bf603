package redisx

import "time"

const (
	// Cached order status: order_status:{order_id} -> {"status": "...", "user_id": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup marker: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"

	// Gateway event already applied: webhook:seen:{event_id}
	KeyWebhookSeen = "webhook:seen:%s"

	// Single-runner lock for the abandoned payment sweep.
	KeyExpiryLock = "lock:payments:expire"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLWebhookSeen = 72 * time.Hour
)
