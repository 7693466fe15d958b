package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, ttl), mr
}

func TestCheckAndSetClaimsOnce(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	fresh, err := s.CheckAndSet(ctx, "etoll", "e-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.CheckAndSet(ctx, "etoll", "e-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	// The claim is scoped to the agency: the same external id from another
	// feed is a different event.
	fresh, err = s.CheckAndSet(ctx, "fasttrack", "e-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestReleaseReopensClaim(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	fresh, err := s.CheckAndSet(ctx, "etoll", "e-2")
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, s.Release(ctx, "etoll", "e-2"))

	fresh, err = s.CheckAndSet(ctx, "etoll", "e-2")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestClaimExpiresWithTTL(t *testing.T) {
	s, mr := newStore(t, time.Hour)
	ctx := context.Background()

	fresh, err := s.CheckAndSet(ctx, "etoll", "e-3")
	require.NoError(t, err)
	require.True(t, fresh)

	mr.FastForward(time.Hour + time.Minute)

	fresh, err = s.CheckAndSet(ctx, "etoll", "e-3")
	require.NoError(t, err)
	assert.True(t, fresh)
}
