package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, "summarize")
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "summarize")
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.TryAcquire(ctx, "cleanup")
	require.NoError(t, err, "stages are independent")
	other()

	release()
	release()
	again, err := l.TryAcquire(ctx, "summarize")
	require.NoError(t, err)
	again()
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	first := NewRedis(rdb, "stage:", time.Minute)
	second := NewRedis(rdb, "stage:", time.Minute)

	release, err := first.TryAcquire(ctx, "prioritize")
	require.NoError(t, err)
	assert.True(t, mr.Exists("stage:prioritize"))

	_, err = second.TryAcquire(ctx, "prioritize")
	assert.ErrorIs(t, err, ErrHeld)

	release()
	assert.False(t, mr.Exists("stage:prioritize"))

	release2, err := second.TryAcquire(ctx, "prioritize")
	require.NoError(t, err)
	defer release2()
}

func TestRedis_ExpiredLeaseIsNotReleasedByOldOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	l := NewRedis(rdb, "stage:", time.Second)

	stale, err := l.TryAcquire(ctx, "cleanup")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := l.TryAcquire(ctx, "cleanup")
	require.NoError(t, err)
	defer current()

	stale()
	assert.True(t, mr.Exists("stage:cleanup"), "stale owner must not drop the new lease")
}

func TestRedis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	_, err := NewRedis(rdb, "stage:", time.Second).TryAcquire(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}
