package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

// popClaimScript pops the highest entry and stores its claim lease.
const popClaimScript = `local popped = redis.call("ZPOPMAX", KEYS[1])
if #popped == 0 then return {} end
redis.call("ZADD", KEYS[2], ARGV[1], popped[1])
return popped`

type RedisQueue struct {
	rdb       redis.Cmdable
	key       string
	attempts  string
	claims    string
	claimTTL  time.Duration
	now       func() time.Time
	popScript *redis.Script
}

func NewRedisQueue(rdb redis.Cmdable, opts ...Option) *RedisQueue {
	o := buildOptions(opts)
	return &RedisQueue{
		rdb:       rdb,
		key:       o.key,
		attempts:  flow.AttemptsKey(o.key),
		claims:    flow.ClaimsKey(o.key),
		claimTTL:  o.claimTTL,
		now:       o.now,
		popScript: redis.NewScript(popClaimScript),
	}
}

func (q *RedisQueue) Upsert(ctx context.Context, id string, score float64) error {
	if err := q.rdb.ZAdd(ctx, q.key, &redis.Z{Score: score, Member: id}).Err(); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (q *RedisQueue) PopHighest(ctx context.Context) (flow.QueueEntry, error) {
	deadline := q.now().Add(q.claimTTL).UnixMilli()
	res, err := q.popScript.Run(ctx, q.rdb, []string{q.key, q.claims}, deadline).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return flow.QueueEntry{}, ErrEmpty
		}
		return flow.QueueEntry{}, unavailable("pop", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) == 0 {
		return flow.QueueEntry{}, ErrEmpty
	}
	if len(values) != 2 {
		return flow.QueueEntry{}, fmt.Errorf("queue: pop: unexpected reply %v", values)
	}
	id, _ := values[0].(string)
	raw, _ := values[1].(string)
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return flow.QueueEntry{}, fmt.Errorf("queue: pop: bad score %q: %w", raw, err)
	}
	return flow.QueueEntry{ID: id, Score: score}, nil
}

func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, unavailable("size", err)
	}
	return n, nil
}

func (q *RedisQueue) Release(ctx context.Context, id string) error {
	if err := q.rdb.ZRem(ctx, q.claims, id).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, id string, score float64) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.claims, id)
		pipe.ZAdd(ctx, q.key, &redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

// Pending returns every id that is queued or holds a live claim.
func (q *RedisQueue) Pending(ctx context.Context) (map[string]struct{}, error) {
	queued, err := q.rdb.ZRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("pending", err)
	}
	claimed, err := q.rdb.ZRangeByScore(ctx, q.claims, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(q.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("pending", err)
	}

	pending := make(map[string]struct{}, len(queued)+len(claimed))
	for _, id := range queued {
		pending[id] = struct{}{}
	}
	for _, id := range claimed {
		pending[id] = struct{}{}
	}
	return pending, nil
}

// ReapClaims drops leases whose deadline has passed.
func (q *RedisQueue) ReapClaims(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZRemRangeByScore(ctx, q.claims, "-inf", strconv.FormatInt(q.now().UnixMilli(), 10)).Result()
	if err != nil {
		return 0, unavailable("reap claims", err)
	}
	return n, nil
}

func (q *RedisQueue) IncrAttempts(ctx context.Context, id string) (int, error) {
	n, err := q.rdb.HIncrBy(ctx, q.attempts, id, 1).Result()
	if err != nil {
		return 0, unavailable("incr attempts", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Attempts(ctx context.Context, id string) (int, error) {
	n, err := q.rdb.HGet(ctx, q.attempts, id).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("attempts", err)
	}
	return n, nil
}

func (q *RedisQueue) ClearAttempts(ctx context.Context, id string) error {
	if err := q.rdb.HDel(ctx, q.attempts, id).Err(); err != nil {
		return unavailable("clear attempts", err)
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
