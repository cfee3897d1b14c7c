package league

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/domain"
	"github.com/speedleague/reflex/internal/event"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

// Service maintains the weekly tier projection. It is a read-mostly side
// product of the submission pipeline, updated asynchronously off the event
// bus; the core never waits on it.
type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameRankChanged, func(ctx context.Context, e event.Event) error {
		return s.applyRankChange(ctx, e.(domain.EventRankChanged))
	})

	return s
}

// applyRankChange folds a new daily rank into the user's row for the week the
// day belongs to: best time, games played and the tier the percentile maps to.
func (s *Service) applyRankChange(ctx context.Context, e domain.EventRankChanged) error {
	dayStart, err := e.Day.Time()
	if err != nil {
		return fmt.Errorf("league: %w", err)
	}
	week := clock.WeekStart(dayStart)

	best := e.BestMs
	if weekly, ok, err := s.weeklyBest(ctx, e.UserID, week); err != nil {
		return err
	} else if ok && weekly < best {
		best = weekly
	}

	tier := domain.TierFor(e.Percentile)

	const stmt = `
INSERT INTO leagues (user_id, week_start, tier, weekly_best_ms, games_played, update_time)
VALUES ($1, $2, $3, $4, 1, now())
ON CONFLICT (user_id, week_start) DO UPDATE
SET tier = EXCLUDED.tier,
    weekly_best_ms = LEAST(leagues.weekly_best_ms, EXCLUDED.weekly_best_ms),
    games_played = leagues.games_played + 1,
    update_time = now();`

	if _, err := s.db.Exec(ctx, stmt, e.UserID, week, tier, best); err != nil {
		return fmt.Errorf("league: upsert: %w", err)
	}

	return nil
}

func (s *Service) weeklyBest(ctx context.Context, userID string, week clock.WeekKey) (int, bool, error) {
	const stmt = `
SELECT MIN(best_ms) FROM daily_bests
WHERE user_id = $1 AND day >= $2;`

	var best *int
	if err := s.db.QueryRow(ctx, stmt, userID, week).Scan(&best); err != nil {
		return 0, false, fmt.Errorf("league: weekly best: %w", err)
	}
	if best == nil {
		return 0, false, nil
	}

	return *best, true, nil
}

// Current returns the user's league row for the given week, or nil when the
// user has not played that week.
func (s *Service) Current(ctx context.Context, userID string, week clock.WeekKey) (*domain.League, error) {
	const stmt = `
SELECT user_id, week_start, tier, weekly_best_ms, games_played, update_time
FROM leagues
WHERE user_id = $1 AND week_start = $2;`

	var l domain.League
	err := s.db.QueryRow(ctx, stmt, userID, week).Scan(
		&l.UserID, &l.WeekStart, &l.Tier, &l.WeeklyBestMs, &l.GamesPlayed, &l.UpdatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("league: current: %w", err)
	}

	return &l, nil
}
