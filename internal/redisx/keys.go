package redisx

import "time"

const (
	// Cached status view: order_status:{order_id} -> JSON orders.StatusView
	KeyOrderStatus    = "order_status:%s"
	// Invalidation counter of the cached view: order_status_gen:{order_id}
	KeyOrderStatusGen = "order_status_gen:%s"

	// Dedup of event processing: dedup:{consumer}:{id} (id = gateway event id
	// or envelope event id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	// outlives any view, so a reset counter never matches a stale version
	TTLStatusGen   = time.Hour
	TTLDedup       = 48 * time.Hour
)
