package score

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/domain"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service owns the durable records of the game: immutable Attempt rows and the
// per-(user, day) DailyBest ledger. It is also the re-derivation source for
// rank and percentile when the fast store is down.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

// InsertAttempt writes one immutable attempt row.
func (s *Service) InsertAttempt(ctx context.Context, a domain.Attempt) error {
	const stmt = `
INSERT INTO attempts (user_id, day, attempt_number, reaction_ms, is_false_start, user_agent, submitted_at, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, now());`

	_, err := s.db.Exec(ctx, stmt, a.UserID, a.Day, a.AttemptNumber, a.ReactionMs, a.IsFalseStart, a.UserAgent, a.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	return nil
}

// CountAttempts returns the number of attempt rows for (user, day). Used as
// the rate limiter's durable fallback when the counter store is unhealthy.
func (s *Service) CountAttempts(ctx context.Context, userID string, day clock.DayKey) (int, error) {
	const stmt = `SELECT COUNT(*) FROM attempts WHERE user_id = $1 AND day = $2;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, userID, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}

	return n, nil
}

// RecentReactionTimes returns the user's latest non-false-start reaction
// times, newest first. Feeds the advisory anomaly detectors.
func (s *Service) RecentReactionTimes(ctx context.Context, userID string, limit int) ([]int, error) {
	const stmt = `
SELECT reaction_ms FROM attempts
WHERE user_id = $1 AND NOT is_false_start
ORDER BY create_time DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent reaction times: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (int, error) {
		var ms int
		err := r.Scan(&ms)
		return ms, err
	})
}

type BestOutcome struct {
	IsDailyBest bool
	BestMs      int
}

// UpsertBest records reactionMs as the user's daily best if it is strictly
// better than the stored one, creating the row on the first persist-eligible
// attempt of the day. The conditional upsert is a single statement so two
// racing submissions cannot let a worse score overwrite a better one.
func (s *Service) UpsertBest(ctx context.Context, userID string, day clock.DayKey, reactionMs, attemptNumber int) (BestOutcome, error) {
	const stmt = `
INSERT INTO daily_bests (user_id, day, best_ms, attempts_used, update_time)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (user_id, day) DO UPDATE
SET best_ms = EXCLUDED.best_ms, attempts_used = EXCLUDED.attempts_used, update_time = now()
WHERE daily_bests.best_ms > EXCLUDED.best_ms
RETURNING best_ms;`

	var best int
	err := s.db.QueryRow(ctx, stmt, userID, day, reactionMs, attemptNumber).Scan(&best)
	if err == nil {
		return BestOutcome{IsDailyBest: true, BestMs: best}, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return BestOutcome{}, fmt.Errorf("upsert daily best: %w", err)
	}

	// Not an improvement; report the standing best.
	const sel = `SELECT best_ms FROM daily_bests WHERE user_id = $1 AND day = $2;`
	if err := s.db.QueryRow(ctx, sel, userID, day).Scan(&best); err != nil {
		return BestOutcome{}, fmt.Errorf("read daily best: %w", err)
	}

	return BestOutcome{IsDailyBest: false, BestMs: best}, nil
}

// AttachRankSnapshot denormalizes the latest computed rank onto the ledger
// row. Best effort, eventually consistent.
func (s *Service) AttachRankSnapshot(ctx context.Context, userID string, day clock.DayKey, rank int, percentile float64) error {
	const stmt = `
UPDATE daily_bests SET global_rank = $3, percentile = $4, update_time = now()
WHERE user_id = $1 AND day = $2;`

	if _, err := s.db.Exec(ctx, stmt, userID, day, rank, percentile); err != nil {
		return fmt.Errorf("attach rank snapshot: %w", err)
	}

	return nil
}

// DailyBest returns the ledger row for (user, day), or nil when the user has
// not recorded a valid attempt that day.
func (s *Service) DailyBest(ctx context.Context, userID string, day clock.DayKey) (*domain.DailyBest, error) {
	const stmt = `
SELECT user_id, day, best_ms, attempts_used, COALESCE(global_rank, 0), COALESCE(percentile, 0), update_time
FROM daily_bests
WHERE user_id = $1 AND day = $2;`

	var db domain.DailyBest
	err := s.db.QueryRow(ctx, stmt, userID, day).Scan(
		&db.UserID, &db.Day, &db.BestMs, &db.AttemptsUsed, &db.GlobalRank, &db.Percentile, &db.UpdatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily best: %w", err)
	}

	return &db, nil
}

// BestForDay is the durable-fallback read the leaderboard uses in place of a
// sorted-set membership check.
func (s *Service) BestForDay(ctx context.Context, userID string, day clock.DayKey) (int, bool, error) {
	const stmt = `SELECT best_ms FROM daily_bests WHERE user_id = $1 AND day = $2;`

	var best int
	err := s.db.QueryRow(ctx, stmt, userID, day).Scan(&best)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("best for day: %w", err)
	}

	return best, true, nil
}

// CountBetter counts ledger rows strictly better than reactionMs for the day.
func (s *Service) CountBetter(ctx context.Context, day clock.DayKey, reactionMs int) (int, error) {
	const stmt = `SELECT COUNT(*) FROM daily_bests WHERE day = $1 AND best_ms < $2;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, day, reactionMs).Scan(&n); err != nil {
		return 0, fmt.Errorf("count better: %w", err)
	}

	return n, nil
}

// CountForDay counts all ledger rows for the day.
func (s *Service) CountForDay(ctx context.Context, day clock.DayKey) (int, error) {
	const stmt = `SELECT COUNT(*) FROM daily_bests WHERE day = $1;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("count for day: %w", err)
	}

	return n, nil
}

type LedgerEntry struct {
	UserID string
	BestMs int
}

// TopForDay lists the day's ledger rows ascending by best time.
func (s *Service) TopForDay(ctx context.Context, day clock.DayKey, limit int) ([]LedgerEntry, error) {
	const stmt = `
SELECT user_id, best_ms FROM daily_bests
WHERE day = $1
ORDER BY best_ms ASC, user_id ASC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, day, limit)
	if err != nil {
		return nil, fmt.Errorf("top for day: %w", err)
	}

	return collectEntries(rows)
}

// TopSince lists each user's best time over all days >= from, ascending. A
// zero from covers all time.
func (s *Service) TopSince(ctx context.Context, from clock.DayKey, limit int) ([]LedgerEntry, error) {
	const stmt = `
SELECT user_id, MIN(best_ms) AS best_ms FROM daily_bests
WHERE ($1 = '' OR day >= $1)
GROUP BY user_id
ORDER BY best_ms ASC, user_id ASC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, from, limit)
	if err != nil {
		return nil, fmt.Errorf("top since: %w", err)
	}

	return collectEntries(rows)
}

// BestInWindow returns the user's best time over all days >= from, with ok
// false when the user has no rows in the window.
func (s *Service) BestInWindow(ctx context.Context, userID string, from clock.DayKey) (int, bool, error) {
	const stmt = `
SELECT MIN(best_ms) FROM daily_bests
WHERE user_id = $1 AND day >= $2;`

	var best *int
	if err := s.db.QueryRow(ctx, stmt, userID, from).Scan(&best); err != nil {
		return 0, false, fmt.Errorf("best in window: %w", err)
	}
	if best == nil {
		return 0, false, nil
	}

	return *best, true, nil
}

func collectEntries(rows pgx.Rows) ([]LedgerEntry, error) {
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (LedgerEntry, error) {
		var e LedgerEntry
		err := r.Scan(&e.UserID, &e.BestMs)
		return e, err
	})
}
