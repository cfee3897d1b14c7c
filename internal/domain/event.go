package domain

import (
	"time"

	"github.com/speedleague/reflex/internal/clock"
)

const (
	EventNameDailyBestUpdated = "dailybest.updated"
	EventNameRankChanged      = "rank.changed"
	EventNameAttemptFlagged   = "attempt.flagged"
)

// EventDailyBestUpdated fires when a submission improves (or establishes) a
// user's daily best.
type EventDailyBestUpdated struct {
	UserID     string
	Day        clock.DayKey
	BestMs     int
	Percentile float64
	UpdateTime time.Time
}

func (EventDailyBestUpdated) Name() string { return EventNameDailyBestUpdated }

// EventRankChanged fires after a daily-best improvement once the user's new
// rank has been computed.
type EventRankChanged struct {
	UserID     string
	Day        clock.DayKey
	BestMs     int
	Rank       int
	Percentile float64
	Total      int
}

func (EventRankChanged) Name() string { return EventNameRankChanged }

// EventAttemptFlagged fires when the advisory anomaly detectors trip on a
// user's recent history. Monitoring only, never blocks a submission.
type EventAttemptFlagged struct {
	UserID string
	Day    clock.DayKey
	Flags  []string
}

func (EventAttemptFlagged) Name() string { return EventNameAttemptFlagged }
