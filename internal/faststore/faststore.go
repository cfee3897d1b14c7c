package faststore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxAttempts   = 3
	baseBackoff   = 50 * time.Millisecond
	maxBackoff    = 2 * time.Second
	probeInterval = 5 * time.Second
)

// ErrUnavailable is returned when the fast store is degraded and the caller
// should route to its durable fallback. Never surfaced to end users.
var ErrUnavailable = errors.New("faststore: unavailable")

// Store wraps a Redis client with bounded retry and a circuit-style health
// flag. While unhealthy, commands short-circuit to ErrUnavailable immediately
// and a cheap PING probe re-opens the circuit at most once per probe interval.
type Store struct {
	rdb redis.UniversalClient

	unhealthy atomic.Bool
	lastProbe atomic.Int64 // unix nanos of the last reconnect probe
}

// New wraps an already-connected client. Lifecycle (connect, close) stays with
// the caller that owns the client; health tracking lives here.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying client for operations that manage their own
// failure handling (e.g. pubsub fan-out).
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Healthy reports whether the fast path is currently usable.
func (s *Store) Healthy() bool {
	return !s.unhealthy.Load()
}

// Do runs op against the fast store with bounded retry. On repeated failure
// the store marks itself unhealthy and returns ErrUnavailable; subsequent
// calls fail fast until a probe succeeds.
func (s *Store) Do(ctx context.Context, name string, op func(ctx context.Context, rdb redis.UniversalClient) error) error {
	if !s.tryRecover(ctx) {
		return ErrUnavailable
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op(ctx, s.rdb)
		if err == nil || !retryable(err) {
			return err
		}

		if attempt < maxAttempts {
			backoff := min(time.Duration(attempt)*baseBackoff, maxBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.unhealthy.Store(true)
	s.lastProbe.Store(time.Now().UnixNano())
	slog.WarnContext(ctx, "faststore: marked unhealthy, routing to durable fallback",
		"op", name,
		"error", err,
	)

	return ErrUnavailable
}

// tryRecover returns true when the store is usable. While unhealthy it probes
// the connection at most once per probeInterval.
func (s *Store) tryRecover(ctx context.Context) bool {
	if !s.unhealthy.Load() {
		return true
	}

	last := s.lastProbe.Load()
	now := time.Now().UnixNano()
	if now-last < int64(probeInterval) {
		return false
	}
	if !s.lastProbe.CompareAndSwap(last, now) {
		// Another request is probing.
		return false
	}

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return false
	}

	s.unhealthy.Store(false)
	slog.InfoContext(ctx, "faststore: recovered")
	return true
}

// retryable reports whether the failure is worth retrying. Command-level
// errors like redis.Nil or WRONGTYPE are deterministic and returned as-is.
func retryable(err error) bool {
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		return false
	}

	return true
}
