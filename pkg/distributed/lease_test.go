package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLease_Exclusive(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	first := NewLease(client, "carelink:participant:s1:p1", time.Minute)
	second := NewLease(client, "carelink:participant:s1:p1", time.Minute)

	require.NoError(t, first.Acquire(ctx))
	require.NoError(t, first.Acquire(ctx), "acquire is idempotent for the holder")
	assert.ErrorIs(t, second.Acquire(ctx), ErrLeaseHeld)
	assert.True(t, mr.Exists(first.Key()))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists(first.Key()))
	require.NoError(t, second.Acquire(ctx))
	require.NoError(t, second.Release(ctx))
	assert.NoError(t, second.Release(ctx), "release when not held is a no-op")
}

func TestLease_LostWhenTakenOver(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	lease := NewLease(client, "carelink:participant:s1:p2", 100*time.Millisecond)
	require.NoError(t, lease.Acquire(ctx))

	require.NoError(t, mr.Set(lease.Key(), "someone-else"))

	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss not detected")
	}
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseHeld)
	got, err := mr.Get(lease.Key())
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLease_AcquireFailsWhenRedisDown(t *testing.T) {
	mr, client := newClient(t)
	mr.Close()

	err := NewLease(client, "k", time.Second).Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLeaseHeld)
}
