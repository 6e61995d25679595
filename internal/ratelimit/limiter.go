// Package ratelimit throttles gateway events per connection with a Redis
// fixed window (INCR, then EXPIRE on the first hit). A Redis outage fails
// open so that consultations keep working.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one limit: key prefix, maximum hits and the window they count in.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleChat allows 10 send_message events per 10 seconds per connection.
	RuleChat = Rule{Key: "rl:chat:", Limit: 10, Window: 10 * time.Second}

	// RuleSignal allows 200 offer/answer/ice_candidate events per 10 seconds.
	// Trickle ICE produces bursts of candidates right after an offer.
	RuleSignal = Rule{Key: "rl:signal:", Limit: 200, Window: 10 * time.Second}

	// RuleUpgrade allows 30 WebSocket upgrades per minute per user.
	RuleUpgrade = Rule{Key: "rl:upgrade:", Limit: 30, Window: time.Minute}
)

// Limiter performs rate limit checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier under rule and reports whether it is
// still within the limit. Redis errors are returned alongside true.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] INCR %s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] EXPIRE %s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many hits identifier has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] GET %s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}
