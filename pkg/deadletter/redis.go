package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisStore keeps entries as JSON in a hash and indexes them by expiry in a
// sorted set, since hash fields cannot carry their own TTL.
type RedisStore struct {
	rdb    redis.Cmdable
	tracer trace.Tracer
	key    string
	expiry string
	opts   options
}

func NewRedisStore(rdb redis.Cmdable, tracer trace.Tracer, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		rdb:    rdb,
		tracer: tracer,
		key:    o.key,
		expiry: flow.ExpiryKey(o.key),
		opts:   o,
	}
}

func (s *RedisStore) nowMillis() string {
	return strconv.FormatInt(s.opts.now().UnixMilli(), 10)
}

func (s *RedisStore) Put(ctx context.Context, entry flow.DeadLetterEntry) error {
	ctxSpan, span := s.tracer.Start(ctx, "deadletter.put")
	defer span.End()

	span.SetAttributes(
		attribute.String("item.id", entry.ItemID),
		attribute.String("deadletter.reason", entry.Reason),
		attribute.Int("deadletter.attempts", entry.Attempts),
		attribute.String("redis.key", s.key),
	)

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("deadletter: marshal: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctxSpan, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctxSpan, s.key, entry.ItemID, payload)
		pipe.ZAdd(ctxSpan, s.expiry, &redis.Z{Score: float64(entry.ExpiresAt.UnixMilli()), Member: entry.ItemID})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deadletter: put: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, itemID string) (flow.DeadLetterEntry, error) {
	expiresAt, err := s.rdb.ZScore(ctx, s.expiry, itemID).Result()
	if errors.Is(err, redis.Nil) {
		return flow.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return flow.DeadLetterEntry{}, fmt.Errorf("deadletter: get: %w", err)
	}
	if int64(expiresAt) <= s.opts.now().UnixMilli() {
		return flow.DeadLetterEntry{}, ErrNotFound
	}

	raw, err := s.rdb.HGet(ctx, s.key, itemID).Result()
	if errors.Is(err, redis.Nil) {
		return flow.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return flow.DeadLetterEntry{}, fmt.Errorf("deadletter: get: %w", err)
	}
	var entry flow.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return flow.DeadLetterEntry{}, fmt.Errorf("deadletter: decode %s: %w", itemID, err)
	}
	return entry, nil
}

// List returns live entries, soonest expiry first. limit <= 0 means all.
func (s *RedisStore) List(ctx context.Context, limit int) ([]flow.DeadLetterEntry, error) {
	ids, err := s.liveIDs(ctx, int64(limit))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.rdb.HMGet(ctx, s.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	entries := make([]flow.DeadLetterEntry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry flow.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("deadletter: decode %s: %w", ids[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) liveIDs(ctx context.Context, limit int64) ([]string, error) {
	by := &redis.ZRangeBy{Min: "(" + s.nowMillis(), Max: "+inf"}
	if limit > 0 {
		by.Count = limit
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.expiry, by).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: range: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) ActiveIDs(ctx context.Context) (map[string]struct{}, error) {
	ids, err := s.liveIDs(ctx, 0)
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}
	return active, nil
}

// Purge deletes every expired entry and returns how many were removed.
func (s *RedisStore) Purge(ctx context.Context) (int64, error) {
	ctxSpan, span := s.tracer.Start(ctx, "deadletter.purge")
	defer span.End()

	expired, err := s.rdb.ZRangeByScore(ctxSpan, s.expiry, &redis.ZRangeBy{Min: "-inf", Max: s.nowMillis()}).Result()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("deadletter: purge: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(expired))
	for i, id := range expired {
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctxSpan, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctxSpan, s.key, expired...)
		pipe.ZRem(ctxSpan, s.expiry, members...)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("deadletter: purge: %w", err)
	}
	span.SetAttributes(attribute.Int("deadletter.purged", len(expired)))
	return int64(len(expired)), nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCount(ctx, s.expiry, "("+s.nowMillis(), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: count: %w", err)
	}
	return n, nil
}

var _ Store = (*RedisStore)(nil)
