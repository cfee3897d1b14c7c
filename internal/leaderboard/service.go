package leaderboard

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/faststore"
	"github.com/speedleague/reflex/internal/score"
)

// Entries outlive the day they belong to just long enough for post-rollover
// reads, then the set expires.
const entryLifetime = 48 * time.Hour

// Ledger is the durable source the fast sorted set is a projection of. When
// the fast path is unhealthy, rank and percentile are re-derived from it with
// identical semantics; it is not an approximation.
type Ledger interface {
	BestForDay(ctx context.Context, userID string, day clock.DayKey) (int, bool, error)
	CountBetter(ctx context.Context, day clock.DayKey, reactionMs int) (int, error)
	CountForDay(ctx context.Context, day clock.DayKey) (int, error)
	TopForDay(ctx context.Context, day clock.DayKey, limit int) ([]score.LedgerEntry, error)
}

type Config struct {
	Fast   *faststore.Store
	Ledger Ledger
	Prefix string
}

// Service is the per-day global ranking. Lower reaction time is better; rank 1
// is the fastest. Callers never see which path served them.
type Service struct {
	fast   *faststore.Store
	ledger Ledger
	prefix string
}

func NewService(c Config) *Service {
	return &Service{
		fast:   c.Fast,
		ledger: c.Ledger,
		prefix: c.Prefix,
	}
}

type Entry struct {
	UserID     string
	ReactionMs int
	Rank       int
}

type Rank struct {
	// Rank is 1-indexed; nil when the user has no entry for the day.
	Rank       *int
	Percentile float64
	Total      int
}

// Upsert sets the user's score in the day's set and refreshes its expiry.
// Only daily-best improvements should reach here; non-best attempts never
// touch the leaderboard. A degraded fast store makes this a no-op: the set is
// a disposable projection of the ledger and will be rebuilt from it.
func (s *Service) Upsert(ctx context.Context, day clock.DayKey, userID string, reactionMs int) error {
	err := s.fast.Do(ctx, "leaderboard.upsert", func(ctx context.Context, rdb redis.UniversalClient) error {
		key := s.key(day)
		if err := rdb.ZAdd(ctx, key, redis.Z{Score: float64(reactionMs), Member: userID}).Err(); err != nil {
			return err
		}
		return rdb.Expire(ctx, key, entryLifetime).Err()
	})
	if stderrors.Is(err, faststore.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leaderboard: upsert: %w", err)
	}

	return nil
}

// GetRank returns the user's 1-indexed rank, percentile and the day's entry
// count, from whichever path is healthy.
func (s *Service) GetRank(ctx context.Context, day clock.DayKey, userID string) (Rank, error) {
	var (
		rank  int64
		total int64
		found = true
	)
	err := s.fast.Do(ctx, "leaderboard.rank", func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		rank, err = rdb.ZRank(ctx, s.key(day), userID).Result()
		if stderrors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}

		total, err = rdb.ZCard(ctx, s.key(day)).Result()
		return err
	})
	if stderrors.Is(err, faststore.ErrUnavailable) {
		return s.rankFromLedger(ctx, day, userID)
	}
	if err != nil {
		return Rank{}, fmt.Errorf("leaderboard: rank: %w", err)
	}

	if !found {
		return Rank{Total: int(total)}, nil
	}

	r := int(rank) + 1
	return Rank{
		Rank:       &r,
		Percentile: Percentile(r, int(total)),
		Total:      int(total),
	}, nil
}

func (s *Service) rankFromLedger(ctx context.Context, day clock.DayKey, userID string) (Rank, error) {
	total, err := s.ledger.CountForDay(ctx, day)
	if err != nil {
		return Rank{}, fmt.Errorf("leaderboard: fallback total: %w", err)
	}

	best, ok, err := s.ledger.BestForDay(ctx, userID, day)
	if err != nil {
		return Rank{}, fmt.Errorf("leaderboard: fallback best: %w", err)
	}
	if !ok {
		return Rank{Total: total}, nil
	}

	better, err := s.ledger.CountBetter(ctx, day, best)
	if err != nil {
		return Rank{}, fmt.Errorf("leaderboard: fallback rank: %w", err)
	}

	r := better + 1
	return Rank{
		Rank:       &r,
		Percentile: Percentile(r, total),
		Total:      total,
	}, nil
}

// Top lists the day's fastest entries ascending, ranks assigned by position.
// A non-positive limit returns nothing; limit-1 as a ZRANGE stop index would
// otherwise mean the whole set.
func (s *Service) Top(ctx context.Context, day clock.DayKey, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	return s.rangeByRank(ctx, day, 0, int64(limit)-1)
}

// Around returns a contextual slice of n neighbors above and below the user,
// for viewers who fall outside the displayed top window. Nil when the user has
// no entry for the day.
func (s *Service) Around(ctx context.Context, day clock.DayKey, userID string, n int) ([]Entry, error) {
	r, err := s.GetRank(ctx, day, userID)
	if err != nil {
		return nil, err
	}
	if r.Rank == nil {
		return nil, nil
	}

	start := int64(*r.Rank-1) - int64(n)
	if start < 0 {
		start = 0
	}
	stop := int64(*r.Rank-1) + int64(n)

	return s.rangeByRank(ctx, day, start, stop)
}

func (s *Service) rangeByRank(ctx context.Context, day clock.DayKey, start, stop int64) ([]Entry, error) {
	var zs []redis.Z
	err := s.fast.Do(ctx, "leaderboard.range", func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		zs, err = rdb.ZRangeWithScores(ctx, s.key(day), start, stop).Result()
		return err
	})
	if stderrors.Is(err, faststore.ErrUnavailable) {
		return s.rangeFromLedger(ctx, day, start, stop)
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard: range: %w", err)
	}

	entries := make([]Entry, 0, len(zs))
	for i, z := range zs {
		entries = append(entries, Entry{
			UserID:     z.Member.(string),
			ReactionMs: int(z.Score),
			Rank:       int(start) + i + 1,
		})
	}

	return entries, nil
}

func (s *Service) rangeFromLedger(ctx context.Context, day clock.DayKey, start, stop int64) ([]Entry, error) {
	rows, err := s.ledger.TopForDay(ctx, day, int(stop)+1)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: fallback range: %w", err)
	}
	if int(start) >= len(rows) {
		return []Entry{}, nil
	}

	rows = rows[start:]
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		entries = append(entries, Entry{
			UserID:     row.UserID,
			ReactionMs: row.BestMs,
			Rank:       int(start) + i + 1,
		})
	}

	return entries, nil
}

// Percentile is the share of the field a rank beats, 0-100, one decimal.
func Percentile(rank, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(total-rank) / float64(total) * 100
	return math.Round(p*10) / 10
}

// Healthy reports whether the fast path currently serves reads. Exposed for
// operator visibility only; callers never branch on it.
func (s *Service) Healthy() bool {
	return s.fast.Healthy()
}

func (s *Service) key(day clock.DayKey) string {
	return fmt.Sprintf("%s:leaderboard:global:%s", s.prefix, day)
}
