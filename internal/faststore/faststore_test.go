package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func makeStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { _ = rc.Close() })

	return New(rc), rs
}

func TestDo_Success(t *testing.T) {
	s, _ := makeStore(t)

	err := s.Do(context.Background(), "set", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, "k", "v", 0).Err()
	})
	require.NoError(t, err)
	require.True(t, s.Healthy())
}

func TestDo_CommandErrorIsNotRetried(t *testing.T) {
	s, _ := makeStore(t)

	err := s.Do(context.Background(), "get", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Get(ctx, "missing").Err()
	})
	require.ErrorIs(t, err, redis.Nil)
	require.True(t, s.Healthy(), "a deterministic command error must not trip the circuit")
}

func TestDo_ConnectionFailureTripsCircuit(t *testing.T) {
	s, rs := makeStore(t)
	rs.Close()

	err := s.Do(context.Background(), "set", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, "k", "v", 0).Err()
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, s.Healthy())

	// Fails fast while the circuit is open.
	start := time.Now()
	err = s.Do(context.Background(), "set", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, "k", "v", 0).Err()
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Less(t, time.Since(start), baseBackoff)
}

func TestDo_RecoversAfterProbe(t *testing.T) {
	s, rs := makeStore(t)
	rs.Close()

	err := s.Do(context.Background(), "set", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, "k", "v", 0).Err()
	})
	require.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, rs.Restart())

	// The client's connection pool can keep serving the cached dial error for
	// a short while after the server is back, so poll until the probe sees
	// the recovered server.
	require.Eventually(t, func() bool {
		s.lastProbe.Store(time.Now().Add(-2 * probeInterval).UnixNano())

		err := s.Do(context.Background(), "set", func(ctx context.Context, rdb redis.UniversalClient) error {
			return rdb.Set(ctx, "k", "v", 0).Err()
		})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.True(t, s.Healthy())
}
