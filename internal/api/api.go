package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/speedleague/reflex/internal/attempt"
	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/domain"
	"github.com/speedleague/reflex/internal/errors"
	"github.com/speedleague/reflex/internal/event"
	"github.com/speedleague/reflex/internal/leaderboard"
	"github.com/speedleague/reflex/internal/league"
	"github.com/speedleague/reflex/internal/ratelimit"
	"github.com/speedleague/reflex/internal/score"
	"github.com/speedleague/reflex/internal/user"
	"github.com/speedleague/reflex/internal/worldid"
)

const (
	defaultLimit     = 100
	contextNeighbors = 5
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	Attempt      *attempt.Service
	Leaderboard  *leaderboard.Service
	Score        *score.Service
	League       *league.Service
	User         *user.Service
	RateLimit    *ratelimit.Service
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	as *attempt.Service
	ls *leaderboard.Service
	ss *score.Service
	gs *league.Service
	us *user.Service
	rl *ratelimit.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		as:     c.Attempt,
		ls:     c.Leaderboard,
		ss:     c.Score,
		gs:     c.League,
		us:     c.User,
		rl:     c.RateLimit,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	e := c.Engine
	e.POST("/api/attempt", a.SubmitAttempt)
	e.GET("/api/leaderboard", a.GetLeaderboard)
	e.GET("/api/stats/:userId", a.GetStats)
	e.POST("/api/auth/guest", a.CreateGuest)
	e.POST("/api/auth/verify", a.VerifyIdentity)
	e.POST("/api/user/profile", a.UpdateProfile)
	e.POST("/api/user/preferences", a.UpdatePreferences)

	c.EventBus.Subscribe(domain.EventNameRankChanged, func(ctx context.Context, e event.Event) error {
		return a.PublishRankChanged(ctx, e.(domain.EventRankChanged))
	})

	return a
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: internal error", "error", err)
	}

	body := gin.H{"error": e.Code.String(), "message": e.Message}
	if len(e.Flags) > 0 {
		body["flags"] = e.Flags
	}

	c.JSON(e.HTTPStatusCode(), body)
}

// identity returns the user id asserted by the session token when one is
// presented, falling back to the id the client claims in its payload.
func (a *API) identity(c *gin.Context, claimed string) string {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return claimed
	}

	id, err := a.us.ParseToken(strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		return claimed
	}
	return id
}

type submitPayload struct {
	UserID       string `json:"userId"`
	ReactionMs   *int   `json:"reactionMs"`
	IsFalseStart bool   `json:"isFalseStart"`
	Timestamp    string `json:"timestamp"`
	DeviceInfo   struct {
		UserAgent string `json:"userAgent"`
	} `json:"deviceInfo"`
}

func (a *API) SubmitAttempt(c *gin.Context) {
	var p submitPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing-fields")))
		return
	}

	p.UserID = a.identity(c, p.UserID)
	if p.UserID == "" || p.ReactionMs == nil || p.Timestamp == "" {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing-fields")))
		return
	}

	submittedAt, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed timestamp: %s", p.Timestamp)))
		return
	}

	resp, err := a.as.Submit(c.Request.Context(), attempt.SubmitRequest{
		UserID:       p.UserID,
		ReactionMs:   *p.ReactionMs,
		IsFalseStart: p.IsFalseStart,
		SubmittedAt:  submittedAt,
		UserAgent:    p.DeviceInfo.UserAgent,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"attemptSaved":      resp.AttemptSaved,
		"isDailyBest":       resp.IsDailyBest,
		"rank":              resp.Rank,
		"currentPercentile": resp.Percentile,
		"attemptsRemaining": resp.AttemptsRemaining,
	})
}

type boardEntry struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Rank       int    `json:"rank"`
	ReactionMs int    `json:"reactionMs"`
	Country    string `json:"country,omitempty"`
	IsVerified bool   `json:"isVerified"`
}

func (a *API) GetLeaderboard(c *gin.Context) {
	var (
		period = c.DefaultQuery("period", "today")
		viewer = c.Query("userId")
		limit  = defaultLimit
	)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	switch period {
	case "today":
		a.todayLeaderboard(c, viewer, limit)
	case "week", "alltime":
		a.windowLeaderboard(c, period, viewer, limit)
	default:
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown period: %s", period)))
	}
}

func (a *API) todayLeaderboard(c *gin.Context, viewer string, limit int) {
	ctx := c.Request.Context()
	today := clock.CurrentDay()

	top, err := a.ls.Top(ctx, today, limit)
	if err != nil {
		renderError(c, err)
		return
	}

	var (
		viewerRank *int
		viewerPct  *float64
	)
	entries := top
	if viewer != "" {
		r, err := a.ls.GetRank(ctx, today, viewer)
		if err != nil {
			renderError(c, err)
			return
		}
		if r.Rank != nil {
			viewerRank = r.Rank
			viewerPct = &r.Percentile

			inWindow := lo.ContainsBy(top, func(e leaderboard.Entry) bool { return e.UserID == viewer })
			if !inWindow {
				entries, err = a.ls.Around(ctx, today, viewer, contextNeighbors)
				if err != nil {
					renderError(c, err)
					return
				}
			}
		}
	}

	body, err := a.hydrate(ctx, entries)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":        body,
		"totalPlayers":   len(top),
		"userRank":       viewerRank,
		"userPercentile": viewerPct,
	})
}

func (a *API) windowLeaderboard(c *gin.Context, period, viewer string, limit int) {
	ctx := c.Request.Context()

	var from clock.DayKey
	if period == "week" {
		from = clock.CurrentDay().AddDays(-7)
	}

	rows, err := a.ss.TopSince(ctx, from, limit)
	if err != nil {
		renderError(c, err)
		return
	}

	entries := lo.Map(rows, func(r score.LedgerEntry, i int) leaderboard.Entry {
		return leaderboard.Entry{UserID: r.UserID, ReactionMs: r.BestMs, Rank: i + 1}
	})

	body, err := a.hydrate(ctx, entries)
	if err != nil {
		renderError(c, err)
		return
	}

	var (
		viewerRank *int
		viewerPct  *float64
	)
	if viewer != "" {
		if e, ok := lo.Find(entries, func(e leaderboard.Entry) bool { return e.UserID == viewer }); ok {
			viewerRank = &e.Rank
			pct := leaderboard.Percentile(e.Rank, len(entries))
			viewerPct = &pct
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":        body,
		"totalPlayers":   len(entries),
		"userRank":       viewerRank,
		"userPercentile": viewerPct,
	})
}

// hydrate joins leaderboard entries with user profile fields.
func (a *API) hydrate(ctx context.Context, entries []leaderboard.Entry) ([]boardEntry, error) {
	ids := lo.Map(entries, func(e leaderboard.Entry, _ int) string { return e.UserID })

	users, err := a.us.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(users, func(u domain.User) string { return u.ID })

	return lo.Map(entries, func(e leaderboard.Entry, _ int) boardEntry {
		u := byID[e.UserID]
		return boardEntry{
			UserID:     e.UserID,
			Username:   u.Username,
			Rank:       e.Rank,
			ReactionMs: e.ReactionMs,
			Country:    u.Country,
			IsVerified: u.IsVerified,
		}
	}), nil
}

func (a *API) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	u, err := a.us.Get(ctx, userID)
	if err != nil {
		renderError(c, err)
		return
	}

	var (
		today = clock.CurrentDay()
		week  = clock.CurrentWeekStart()
	)

	daily, err := a.ss.DailyBest(ctx, userID, today)
	if err != nil {
		renderError(c, err)
		return
	}

	weeklyBest, hasWeekly, err := a.ss.BestInWindow(ctx, userID, clock.DayKey(week))
	if err != nil {
		renderError(c, err)
		return
	}

	lg, err := a.gs.Current(ctx, userID, week)
	if err != nil {
		renderError(c, err)
		return
	}

	remaining, err := a.rl.Remaining(ctx, userID, today, u.CurrentStreak)
	if err != nil {
		renderError(c, err)
		return
	}

	body := gin.H{
		"currentStreak":     u.CurrentStreak,
		"longestStreak":     u.LongestStreak,
		"totalAttempts":     u.TotalAttempts,
		"attemptsRemaining": remaining,
	}
	if daily != nil {
		body["dailyBest"] = daily.BestMs
	}
	if hasWeekly {
		body["weeklyBest"] = weeklyBest
	}
	if u.AllTimeBestMs > 0 {
		body["allTimeBest"] = u.AllTimeBestMs
	}
	if lg != nil {
		body["currentLeague"] = lg.Tier
	}

	c.JSON(http.StatusOK, body)
}

func (a *API) CreateGuest(c *gin.Context) {
	u, err := a.us.CreateGuest(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}

	token, err := a.us.Token(u)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"userId":     u.ID,
		"username":   u.Username,
		"isVerified": false,
		"token":      token,
	})
}

func (a *API) VerifyIdentity(c *gin.Context) {
	var p worldid.Proof
	if err := c.ShouldBindJSON(&p); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing-fields")))
		return
	}

	u, err := a.us.VerifyIdentity(c.Request.Context(), p)
	if err != nil {
		renderError(c, err)
		return
	}

	token, err := a.us.Token(u)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"userId":     u.ID,
		"username":   u.Username,
		"isVerified": u.IsVerified,
		"token":      token,
	})
}

func (a *API) UpdateProfile(c *gin.Context) {
	var p struct {
		UserID   string  `json:"userId"`
		Username *string `json:"username"`
		Country  *string `json:"country"`
	}
	if err := c.ShouldBindJSON(&p); err != nil || a.identity(c, p.UserID) == "" {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing-fields")))
		return
	}

	u, err := a.us.UpdateProfile(c.Request.Context(), a.identity(c, p.UserID), p.Username, p.Country)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"username": u.Username,
		"country":  u.Country,
	})
}

func (a *API) UpdatePreferences(c *gin.Context) {
	var p struct {
		UserID      string         `json:"userId"`
		Preferences map[string]any `json:"preferences"`
	}
	if err := c.ShouldBindJSON(&p); err != nil || a.identity(c, p.UserID) == "" || len(p.Preferences) == 0 {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing-fields")))
		return
	}

	u, err := a.us.UpdatePreferences(c.Request.Context(), a.identity(c, p.UserID), p.Preferences)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"preferences": u.Preferences,
	})
}
