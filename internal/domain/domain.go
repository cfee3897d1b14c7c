package domain

import (
	"time"

	"github.com/speedleague/reflex/internal/clock"
)

// User is a player identity. Created on first contact as a guest, upgraded in
// place when an identity proof verifies. Never hard-deleted.
type User struct {
	ID            string
	Username      string
	WorldID       string
	IsVerified    bool
	Country       string
	CurrentStreak int
	LongestStreak int
	LastPlayedDay clock.DayKey
	TotalAttempts int
	AllTimeBestMs int // 0 until the first valid non-false-start attempt
	Preferences   map[string]any
	CreatedAt     time.Time
	LastActive    time.Time
}

// Attempt is an immutable record of one submission. False starts carry a zero
// reaction time.
type Attempt struct {
	UserID        string
	Day           clock.DayKey
	AttemptNumber int
	ReactionMs    int
	IsFalseStart  bool
	UserAgent     string
	SubmittedAt   time.Time
	CreatedAt     time.Time
}

// DailyBest is the single per-(user, day) ledger row. BestMs only ever moves
// down within a day. Rank and percentile are denormalized snapshots, not
// authoritative.
type DailyBest struct {
	UserID       string
	Day          clock.DayKey
	BestMs       int
	AttemptsUsed int
	GlobalRank   int
	Percentile   float64
	UpdatedAt    time.Time
}

// LeagueTier is the coarse weekly classification derived from percentile.
type LeagueTier string

const (
	TierBronze  LeagueTier = "Bronze"
	TierSilver  LeagueTier = "Silver"
	TierGold    LeagueTier = "Gold"
	TierDiamond LeagueTier = "Diamond"
	TierApex    LeagueTier = "Apex"
)

// TierFor maps a weekly percentile to a league tier.
func TierFor(percentile float64) LeagueTier {
	switch {
	case percentile >= 99:
		return TierApex
	case percentile >= 95:
		return TierDiamond
	case percentile >= 80:
		return TierGold
	case percentile >= 60:
		return TierSilver
	default:
		return TierBronze
	}
}

// League is one row per (user, week) holding the weekly tier projection.
type League struct {
	UserID       string
	WeekStart    clock.WeekKey
	Tier         LeagueTier
	WeeklyBestMs int
	GamesPlayed  int
	UpdatedAt    time.Time
}
