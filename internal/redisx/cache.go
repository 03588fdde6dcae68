package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"strconv"
)

// StatusCache is a read-through cache of order status views. Redis failures
// are logged and treated as misses; the store stays the source of truth.
//
// Every Invalidate bumps a per-order generation. Set only writes when the
// generation still equals the one Get returned, so a view read from the store
// before a write cannot land after that write's invalidation.
type StatusCache struct {
	R   *redis.Client
	Log *slog.Logger
}

var _ orders.StatusCache = (*StatusCache)(nil)

// setIfCurrent: KEYS[1] view, KEYS[2] generation; ARGV[1] expected
// generation, ARGV[2] view, ARGV[3] ttl in ms.
var setIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (c *StatusCache) Get(ctx context.Context, orderID string) (orders.StatusView, int64, bool) {
	var v orders.StatusView
	vals, err := c.R.MGet(ctx, fmt.Sprintf(KeyOrderStatus, orderID), fmt.Sprintf(KeyOrderStatusGen, orderID)).Result()
	if err != nil {
		logx.Or(c.Log).Warn("status cache get", "order_id", orderID, "err", err)
		return v, orders.NoCacheVersion, false
	}
	var gen int64
	if s, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(s, 10, 64); err != nil {
			return v, orders.NoCacheVersion, false
		}
	}
	s, ok := vals[0].(string)
	if !ok {
		return v, gen, false
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, gen, false
	}
	return v, gen, true
}

func (c *StatusCache) Set(ctx context.Context, v orders.StatusView, version int64) {
	if version < 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	keys := []string{fmt.Sprintf(KeyOrderStatus, v.OrderID), fmt.Sprintf(KeyOrderStatusGen, v.OrderID)}
	n, err := setIfCurrent.Run(ctx, c.R, keys, version, b, TTLStatusCache.Milliseconds()).Int()
	if err != nil {
		logx.Or(c.Log).Warn("status cache set", "order_id", v.OrderID, "err", err)
		return
	}
	if n == 0 {
		logx.Or(c.Log).Debug("status cache set skipped, view invalidated meanwhile", "order_id", v.OrderID, "version", version)
	}
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) {
	gen := fmt.Sprintf(KeyOrderStatusGen, orderID)
	_, err := c.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gen)
		pipe.Expire(ctx, gen, TTLStatusGen)
		pipe.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID))
		return nil
	})
	if err != nil {
		logx.Or(c.Log).Warn("status cache invalidate", "order_id", orderID, "err", err)
	}
}

// Dedup records processed ids per consumer.
type Dedup struct {
	R        *redis.Client
	Consumer string
}

func (d *Dedup) key(id string) string { return fmt.Sprintf(KeyDedup, d.Consumer, id) }

func (d *Dedup) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.R, d.key(id))
}

func (d *Dedup) Mark(ctx context.Context, id string) error {
	return d.R.Set(ctx, d.key(id), 1, TTLDedup).Err()
}

// Claim marks id and reports whether this caller was first.
func (d *Dedup) Claim(ctx context.Context, id string) (bool, error) {
	return d.R.SetNX(ctx, d.key(id), 1, TTLDedup).Result()
}

// Release forgets a claim so a failed side effect can be retried.
func (d *Dedup) Release(ctx context.Context, id string) error {
	return d.R.Del(ctx, d.key(id)).Err()
}
