// Package lease guards a pipeline stage so that two runs of it never overlap,
// within one process or across instances sharing redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrHeld is returned when another run already holds the lease.
var ErrHeld = errors.New("lease: already held")

type Locker interface {
	// TryAcquire takes the lease for name or fails with ErrHeld. The returned
	// function releases it.
	TryAcquire(ctx context.Context, name string) (release func(), err error)
}

// Local is a process-wide Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryAcquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, ErrHeld
	}
	l.held[name] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

// Only the owner token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds leases as SET NX PX keys. A crashed holder frees the stage once
// the TTL runs out.
type Redis struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedis(rdb redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context, name string) (func(), error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.rdb, []string{key}, token).Err()
		})
	}, nil
}

var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)
