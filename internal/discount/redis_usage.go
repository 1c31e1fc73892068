package discount

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// reserveScript checks every limit before incrementing any counter so a
// reservation is all-or-nothing. ARGV[i] is the limit for KEYS[i], 0 = none.
var reserveScript = redis.NewScript(`
for i = 1, #KEYS do
  local limit = tonumber(ARGV[i])
  if limit > 0 then
    local used = tonumber(redis.call("GET", KEYS[i]) or "0")
    if used >= limit then
      return 0
    end
  end
end
for i = 1, #KEYS do
  redis.call("INCR", KEYS[i])
end
return 1
`)

var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
  local used = tonumber(redis.call("GET", KEYS[i]) or "0")
  if used > 0 then
    redis.call("DECR", KEYS[i])
  end
end
return 1
`)

// RedisUsage stores coupon counters in Redis so reservations are atomic
// across processes.
type RedisUsage struct {
	R *redis.Client
}

// Usage implements UsageCounter.
func (r RedisUsage) Usage(ctx context.Context, d Discount, customerID, email string) (Usage, error) {
	if r.R == nil {
		return Usage{}, errors.New("discount usage: redis client not configured")
	}
	keys := CounterKeys(d.ID, customerID, email)
	values, err := r.R.MGet(ctx, keys...).Result()
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for i, key := range keys {
		n := toInt(values[i])
		switch {
		case i == 0:
			u.Total = n
		case strings.Contains(key, ":user:"):
			u.Customer = n
		case strings.Contains(key, ":email:"):
			u.Email = n
		}
	}
	return u, nil
}

// TryReserveUse implements UsageCounter.
func (r RedisUsage) TryReserveUse(ctx context.Context, d Discount, customerID, email string) (bool, error) {
	if r.R == nil {
		return false, errors.New("discount usage: redis client not configured")
	}
	keys := CounterKeys(d.ID, customerID, email)
	limits := make([]any, len(keys))
	for i, key := range keys {
		limits[i] = LimitFor(d, key)
	}
	res, err := reserveScript.Run(ctx, r.R, keys, limits...).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseUse implements UsageCounter.
func (r RedisUsage) ReleaseUse(ctx context.Context, d Discount, customerID, email string) error {
	if r.R == nil {
		return errors.New("discount usage: redis client not configured")
	}
	return releaseScript.Run(ctx, r.R, CounterKeys(d.ID, customerID, email)).Err()
}

func toInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
