package redisx

import "time"

const (
	// Cart JSON per user: cart:{user_id}
	KeyCart = "cart:%s"

	// Sorted set of user ids scored by cart expireAt (unix ms), drained by the sweep.
	KeyCartExpiry = "carts:expiry"

	// Checkout idempotency fast path: idem:checkout:{idempotency_key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Dedup of event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
