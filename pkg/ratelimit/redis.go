package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

// reserveScript hands out the next free slot and returns how long the caller
// has to wait for it, in milliseconds. Slots are spaced by ARGV[2].
const reserveScript = `local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local last = tonumber(redis.call("GET", KEYS[1]) or "0")
local slot = now
if last + interval > slot then slot = last + interval end
redis.call("SET", KEYS[1], slot, "PX", (slot - now) + interval * 2)
return slot - now`

// RedisGate shares one limiter between worker processes. Hosts are expected
// to keep their clocks in sync; a reserved slot is never returned, so a
// cancelled wait only makes the effective rate lower.
type RedisGate struct {
	rdb      redis.Cmdable
	key      string
	interval time.Duration
	script   *redis.Script
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type RedisOption func(*RedisGate)

func WithGateKey(key string) RedisOption {
	return func(g *RedisGate) { g.key = key }
}

func WithGateClock(now func() time.Time) RedisOption {
	return func(g *RedisGate) { g.now = now }
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) RedisOption {
	return func(g *RedisGate) { g.sleep = sleep }
}

func NewRedisGate(rdb redis.Cmdable, perMinute float64, opts ...RedisOption) (*RedisGate, error) {
	interval := Interval(perMinute)
	if interval < time.Millisecond {
		return nil, errors.New("ratelimit: requests per minute must be positive and below 60000")
	}
	g := &RedisGate{
		rdb:      rdb,
		key:      flow.RateLimitGate,
		interval: interval,
		script:   redis.NewScript(reserveScript),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *RedisGate) Acquire(ctx context.Context) error {
	start := time.Now()
	wait, err := g.reserve(ctx)
	if err == nil && wait > 0 {
		err = g.sleep(ctx, wait)
	}
	observeWait(start, err)
	return err
}

func (g *RedisGate) reserve(ctx context.Context) (time.Duration, error) {
	now := g.now().UnixMilli()
	ms, err := g.script.Run(ctx, g.rdb, []string{g.key}, now, g.interval.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: reserve slot: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Limiter = (*RedisGate)(nil)
