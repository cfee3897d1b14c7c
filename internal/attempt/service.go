package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/speedleague/reflex/internal/anticheat"
	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/domain"
	"github.com/speedleague/reflex/internal/errors"
	"github.com/speedleague/reflex/internal/event"
	"github.com/speedleague/reflex/internal/leaderboard"
	"github.com/speedleague/reflex/internal/score"
	"github.com/speedleague/reflex/internal/streak"
)

// History window fed to the advisory anomaly detectors.
const anomalyHistory = 10

type Users interface {
	Resolve(ctx context.Context, id string) (*domain.User, error)
	SaveStats(ctx context.Context, u *domain.User) error
}

type Limiter interface {
	Remaining(ctx context.Context, userID string, day clock.DayKey, streak int) (int, error)
	Increment(ctx context.Context, userID string, day clock.DayKey) (int, error)
}

type Ledger interface {
	InsertAttempt(ctx context.Context, a domain.Attempt) error
	UpsertBest(ctx context.Context, userID string, day clock.DayKey, reactionMs, attemptNumber int) (score.BestOutcome, error)
	AttachRankSnapshot(ctx context.Context, userID string, day clock.DayKey, rank int, percentile float64) error
	RecentReactionTimes(ctx context.Context, userID string, limit int) ([]int, error)
}

type Board interface {
	Upsert(ctx context.Context, day clock.DayKey, userID string, reactionMs int) error
	GetRank(ctx context.Context, day clock.DayKey, userID string) (leaderboard.Rank, error)
}

type Config struct {
	EventBus *event.Bus
	Users    Users
	Limiter  Limiter
	Ledger   Ledger
	Board    Board

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service runs the submission transaction: gate on quota, validate, count the
// attempt, persist it, advance the user's streak and totals, and fold
// persist-eligible results into the daily-best ledger and leaderboard.
type Service struct {
	eb      *event.Bus
	users   Users
	limiter Limiter
	ledger  Ledger
	board   Board
	now     func() time.Time
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		eb:      c.EventBus,
		users:   c.Users,
		limiter: c.Limiter,
		ledger:  c.Ledger,
		board:   c.Board,
		now:     c.Now,
	}
}

type SubmitRequest struct {
	UserID       string
	ReactionMs   int
	IsFalseStart bool
	SubmittedAt  time.Time
	UserAgent    string
}

type SubmitResponse struct {
	AttemptSaved      bool
	IsDailyBest       bool
	Rank              int
	Percentile        float64
	AttemptsRemaining int
	Flags             []string
}

// Submit processes one submission. Rejections are returned as coded errors
// (rate-limited, invalid-attempt); once the attempt row is durably written the
// submission has happened and later ranking failures only degrade the
// response, they never fail it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	now := s.now()
	day := clock.DayOf(now)

	u, err := s.users.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("attempt: resolve user: %w", err)
	}

	remaining, err := s.limiter.Remaining(ctx, u.ID, day, u.CurrentStreak)
	if err != nil {
		return nil, fmt.Errorf("attempt: check quota: %w", err)
	}
	if remaining <= 0 {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("daily attempt limit reached"))
	}

	// Validation happens before the counter moves: a rejected submission does
	// not consume a daily slot.
	res := anticheat.Validate(req.ReactionMs, req.SubmittedAt, now, req.IsFalseStart)
	if !res.Accepted {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid attempt"),
			errors.WithFlags(res.FlagStrings()))
	}

	attemptNumber, err := s.limiter.Increment(ctx, u.ID, day)
	if err != nil {
		return nil, fmt.Errorf("attempt: count attempt: %w", err)
	}

	reactionMs := req.ReactionMs
	if req.IsFalseStart {
		reactionMs = 0
	}

	if err := s.ledger.InsertAttempt(ctx, domain.Attempt{
		UserID:        u.ID,
		Day:           day,
		AttemptNumber: attemptNumber,
		ReactionMs:    reactionMs,
		IsFalseStart:  req.IsFalseStart,
		UserAgent:     req.UserAgent,
		SubmittedAt:   req.SubmittedAt,
	}); err != nil {
		return nil, fmt.Errorf("attempt: persist: %w", err)
	}

	s.applyUserStats(ctx, u, day, reactionMs, res.Persist)

	out := &SubmitResponse{
		AttemptSaved: res.Persist,
		Flags:        res.FlagStrings(),
	}

	if res.Persist {
		s.applyRanking(ctx, u, day, reactionMs, attemptNumber, out)
		s.runAnomalyHooks(ctx, u.ID, day, reactionMs)
	}

	out.AttemptsRemaining, err = s.limiter.Remaining(ctx, u.ID, day, u.CurrentStreak)
	if err != nil {
		return nil, fmt.Errorf("attempt: recompute remaining: %w", err)
	}

	return out, nil
}

// applyUserStats advances totals, streak and all-time best. The attempt row is
// already durable, so failures here degrade to warnings; the fields are
// recomputable from the ledger.
func (s *Service) applyUserStats(ctx context.Context, u *domain.User, day clock.DayKey, reactionMs int, persist bool) {
	u.TotalAttempts++

	newStreak, _ := streak.Advance(u.LastPlayedDay, u.CurrentStreak, day)
	u.CurrentStreak = newStreak
	if newStreak > u.LongestStreak {
		u.LongestStreak = newStreak
	}
	u.LastPlayedDay = day

	if persist && (u.AllTimeBestMs == 0 || reactionMs < u.AllTimeBestMs) {
		u.AllTimeBestMs = reactionMs
	}

	if err := s.users.SaveStats(ctx, u); err != nil {
		slog.WarnContext(ctx, "attempt: save user stats failed",
			"user", u.ID,
			"error", err,
		)
	}
}

// applyRanking folds a persist-eligible attempt into the ledger and, on
// improvement, the leaderboard. Failures degrade the response instead of
// failing the submission; the durable fallback can re-derive the same state.
func (s *Service) applyRanking(ctx context.Context, u *domain.User, day clock.DayKey, reactionMs, attemptNumber int, out *SubmitResponse) {
	best, err := s.ledger.UpsertBest(ctx, u.ID, day, reactionMs, attemptNumber)
	if err != nil {
		slog.WarnContext(ctx, "attempt: daily best update failed",
			"user", u.ID,
			"error", err,
		)
		return
	}
	out.IsDailyBest = best.IsDailyBest

	if best.IsDailyBest {
		if err := s.board.Upsert(ctx, day, u.ID, reactionMs); err != nil {
			slog.WarnContext(ctx, "attempt: leaderboard upsert failed",
				"user", u.ID,
				"error", err,
			)
		}
	}

	r, err := s.board.GetRank(ctx, day, u.ID)
	if err != nil {
		slog.WarnContext(ctx, "attempt: rank lookup failed",
			"user", u.ID,
			"error", err,
		)
		return
	}
	if r.Rank == nil {
		return
	}

	out.Rank = *r.Rank
	out.Percentile = r.Percentile

	if err := s.ledger.AttachRankSnapshot(ctx, u.ID, day, *r.Rank, r.Percentile); err != nil {
		slog.WarnContext(ctx, "attempt: rank snapshot failed",
			"user", u.ID,
			"error", err,
		)
	}

	if best.IsDailyBest {
		s.eb.Publish(ctx, domain.EventDailyBestUpdated{
			UserID:     u.ID,
			Day:        day,
			BestMs:     best.BestMs,
			Percentile: r.Percentile,
			UpdateTime: s.now(),
		})
		s.eb.Publish(ctx, domain.EventRankChanged{
			UserID:     u.ID,
			Day:        day,
			BestMs:     best.BestMs,
			Rank:       *r.Rank,
			Percentile: r.Percentile,
			Total:      r.Total,
		})
	}
}

// runAnomalyHooks applies the history-based detectors. Advisory only: flagged
// users are logged and published for monitoring, never blocked.
func (s *Service) runAnomalyHooks(ctx context.Context, userID string, day clock.DayKey, reactionMs int) {
	recent, err := s.ledger.RecentReactionTimes(ctx, userID, anomalyHistory)
	if err != nil {
		slog.WarnContext(ctx, "attempt: anomaly history read failed",
			"user", userID,
			"error", err,
		)
		return
	}

	var flags []string
	if anticheat.StatisticalAnomaly(recent, reactionMs) {
		flags = append(flags, "STATISTICAL_ANOMALY")
	}
	if anticheat.RepeatedValues(recent) {
		flags = append(flags, "REPEATED_VALUES")
	}
	if len(flags) == 0 {
		return
	}

	slog.WarnContext(ctx, "attempt: anomaly detected",
		"user", userID,
		"flags", flags,
	)
	s.eb.Publish(ctx, domain.EventAttemptFlagged{
		UserID: userID,
		Day:    day,
		Flags:  flags,
	})
}
