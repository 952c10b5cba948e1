package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/whitelist"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "synth:price"

// RedisOracle reads resolved prices from Redis. Prices live under
// "<prefix>:<identifier>:<unix seconds>" as decimal strings; price requests are
// appended to the "<prefix>:requests" list for an external resolver.
type RedisOracle struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisOracle(rdb redis.Cmdable, prefix string) *RedisOracle {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisOracle{rdb: rdb, prefix: prefix}
}

func (o *RedisOracle) priceKey(id whitelist.Identifier, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", o.prefix, id, ts.Unix())
}

func (o *RedisOracle) RequestPrice(ctx context.Context, id whitelist.Identifier, ts time.Time) error {
	marker := o.priceKey(id, ts) + ":requested"
	fresh, err := o.rdb.SetNX(ctx, marker, "1", 0).Result()
	if err != nil {
		return fmt.Errorf("mark price request: %w", err)
	}
	if !fresh {
		return nil
	}
	entry := fmt.Sprintf("%s|%d", id, ts.Unix())
	if err := o.rdb.RPush(ctx, o.prefix+":requests", entry).Err(); err != nil {
		return fmt.Errorf("enqueue price request: %w", err)
	}
	return nil
}

func (o *RedisOracle) GetPrice(ctx context.Context, id whitelist.Identifier, ts time.Time) (Quote, error) {
	q := Quote{Identifier: id, Time: ts, Status: StatusPending}
	raw, err := o.rdb.Get(ctx, o.priceKey(id, ts)).Result()
	if errors.Is(err, redis.Nil) {
		return q, nil
	}
	if err != nil {
		return q, fmt.Errorf("get price: %w", err)
	}
	price, err := fpmath.NewFromString(raw)
	if err != nil {
		return q, fmt.Errorf("stored price for %s: %w", o.priceKey(id, ts), err)
	}
	q.Price = price
	q.Status = StatusResolved
	return q, nil
}

// PushPrice writes a resolved price; an existing value is left untouched.
func (o *RedisOracle) PushPrice(ctx context.Context, id whitelist.Identifier, ts time.Time, price fpmath.Decimal) error {
	return o.rdb.SetNX(ctx, o.priceKey(id, ts), price.String(), 0).Err()
}
