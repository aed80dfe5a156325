// Package ratelimit provides Redis-backed rate limiting using a fixed window
// counter (INCR + EXPIRE). Each session action (create, join, move) is
// throttled per connection.
package ratelimit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:create:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Default rules for session actions.
var (
	// RuleCreate allows 10 session creations per minute per connection.
	RuleCreate = Rule{Key: "rl:create:", Limit: 10, Window: time.Minute}

	// RuleJoin allows 20 join attempts per minute per connection.
	RuleJoin = Rule{Key: "rl:join:", Limit: 20, Window: time.Minute}

	// RuleMove allows 50 moves per 10 seconds per connection.
	RuleMove = Rule{Key: "rl:move:", Limit: 50, Window: 10 * time.Second}
)

// incrExpireLua increments the counter and starts the window on first use in
// one round trip, so a key never outlives its window.
var incrExpireLua = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Scripter
	getter redis.Cmdable
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{client: client, getter: client, logger: logger.Named("ratelimit")}
}

// Allow checks whether identifier is within the limit defined by rule and
// counts this request against it.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if !rule.Enabled() {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := incrExpireLua.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open", zap.String("key", key), zap.Error(err))
		return true, errors.Wrap(err, "ratelimit: incr")
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until identifier's window for rule resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.getter.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
