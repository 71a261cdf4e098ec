package mediation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys outlive their calendar day by a day so that clock skew between
// nodes cannot reset a count early.
const redisKeyTTL = 48 * time.Hour

var checkAndIncr = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
	return {0, n}
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
return {1, n}
`)

// RedisLedger shares contact counts across gateway replicas.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger creates a ledger whose keys start with prefix.
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "safegate:"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (r *RedisLedger) key(k ContactKey) string {
	parts := []string{k.Sender, k.Recipient, k.Platform, k.Date}
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}
	return r.prefix + "contact:" + strings.Join(parts, ":")
}

func (r *RedisLedger) CheckAndRecord(ctx context.Context, key ContactKey, limit int) (Decision, error) {
	if err := key.validate(); err != nil {
		return Decision{}, err
	}
	day, err := time.Parse(DateLayout, key.Date)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	expireAt := day.Add(redisKeyTTL).Unix()

	res, err := checkAndIncr.Run(ctx, r.client, []string{r.key(key)}, limit, expireAt).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("mediation: redis check: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("mediation: redis check: unexpected reply %v", res)
	}
	return Decision{Allowed: res[0] == 1, Count: int(res[1]), Limit: limit}, nil
}

func (r *RedisLedger) Count(ctx context.Context, key ContactKey) (int, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

var _ ContactLedger = (*RedisLedger)(nil)
