package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript adds ARGV[1] to KEYS[1] unless that would exceed ARGV[2]
// (a negative limit disables the cap), then pins the key's expiry to ARGV[3].
// It returns -1 when the cap refuses the increment.
var incrementScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit >= 0 and current + amount > limit then
	return -1
end
local n = redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIREAT', KEYS[1], ARGV[3])
return n
`)

// usageRetention keeps a finished period's counter around for reporting.
const usageRetention = 35 * 24 * time.Hour

// RedisCounter keeps usage counters in Redis, for deployments where several
// docket instances share one quota.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a RedisCounter. Keys are namespaced by prefix.
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "docket"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(ownerID, resource string, period time.Time) string {
	return fmt.Sprintf("%s:usage:%s:%s:%s", c.prefix, resource, period.UTC().Format("2006-01"), ownerID)
}

// expiryFor returns when a period's counter may be discarded.
func expiryFor(period time.Time) time.Time {
	return PeriodStart(period).AddDate(0, 1, 0).Add(usageRetention)
}

func (c *RedisCounter) UsageCount(ctx context.Context, ownerID, resource string, period time.Time) (int64, error) {
	n, err := c.client.Get(ctx, c.key(ownerID, resource, period)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading usage from redis: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) IncrementUsage(ctx context.Context, ownerID, resource string, period time.Time, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("increment amount must be positive, got %d", amount)
	}
	n, err := incrementScript.Run(ctx, c.client, []string{c.key(ownerID, resource, period)},
		amount, limit, expiryFor(period).Unix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing usage in redis: %w", err)
	}
	if n < 0 {
		return 0, ErrLimitReached
	}
	return n, nil
}
