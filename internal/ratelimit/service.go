package ratelimit

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/faststore"
)

const (
	baseQuota = 3

	// Streak tiers select a quota, they do not stack.
	tierOneStreak   = 3
	tierTwoStreak   = 7
	tierOneBonus    = 1
	tierTwoBonus    = 2
	counterLifetime = 24 * time.Hour
)

// AttemptCounter is the durable fallback for reading a user's usage when the
// fast counter store is unavailable. Backed by the attempt ledger, so degraded
// operation never treats a user as having zero usage.
type AttemptCounter interface {
	CountAttempts(ctx context.Context, userID string, day clock.DayKey) (int, error)
}

type Config struct {
	Fast     *faststore.Store
	Fallback AttemptCounter
	Prefix   string
}

// Service enforces the per-(user, day) attempt quota. The counter increment is
// the one read-modify-write in the system that must be atomic; it rides on the
// store's INCR.
type Service struct {
	fast     *faststore.Store
	fallback AttemptCounter
	prefix   string
}

func NewService(c Config) *Service {
	return &Service{
		fast:     c.Fast,
		fallback: c.Fallback,
		prefix:   c.Prefix,
	}
}

// Quota returns the daily attempt allowance for a streak length.
func Quota(streak int) int {
	switch {
	case streak >= tierTwoStreak:
		return baseQuota + tierTwoBonus
	case streak >= tierOneStreak:
		return baseQuota + tierOneBonus
	default:
		return baseQuota
	}
}

// Used returns the attempts consumed by the user on the given day.
func (s *Service) Used(ctx context.Context, userID string, day clock.DayKey) (int, error) {
	var raw string
	err := s.fast.Do(ctx, "ratelimit.get", func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		raw, err = rdb.Get(ctx, s.key(userID, day)).Result()
		return err
	})

	switch {
	case stderrors.Is(err, redis.Nil):
		return 0, nil
	case stderrors.Is(err, faststore.ErrUnavailable):
		return s.fallback.CountAttempts(ctx, userID, day)
	case err != nil:
		return 0, fmt.Errorf("ratelimit: read counter: %w", err)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: malformed counter %q: %w", raw, err)
	}

	return n, nil
}

// Remaining returns max(0, quota - used).
func (s *Service) Remaining(ctx context.Context, userID string, day clock.DayKey, streak int) (int, error) {
	used, err := s.Used(ctx, userID, day)
	if err != nil {
		return 0, err
	}

	if r := Quota(streak) - used; r > 0 {
		return r, nil
	}
	return 0, nil
}

// Increment atomically bumps the counter and returns the new count, setting
// the calendar-day expiry only on the increment that creates the counter.
// While the fast store is unavailable the durable attempt rows stand in: the
// returned count is rows-so-far + 1, matching what INCR would have produced.
func (s *Service) Increment(ctx context.Context, userID string, day clock.DayKey) (int, error) {
	var count int64
	err := s.fast.Do(ctx, "ratelimit.incr", func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		count, err = rdb.Incr(ctx, s.key(userID, day)).Result()
		if err != nil {
			return err
		}

		if count == 1 {
			return rdb.Expire(ctx, s.key(userID, day), counterLifetime).Err()
		}
		return nil
	})

	if stderrors.Is(err, faststore.ErrUnavailable) {
		used, err := s.fallback.CountAttempts(ctx, userID, day)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: degraded count: %w", err)
		}
		return used + 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: increment: %w", err)
	}

	return int(count), nil
}

func (s *Service) key(userID string, day clock.DayKey) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", s.prefix, userID, day)
}
