package streak

import "github.com/speedleague/reflex/internal/clock"

// Advance computes the streak transition when a user plays on today's day key.
// isNewStreak is true when a fresh streak starts (first ever play, or a reset
// after a gap of more than one day). Updating longestStreak is the caller's
// responsibility.
func Advance(lastPlayed clock.DayKey, current int, today clock.DayKey) (newStreak int, isNewStreak bool) {
	if lastPlayed == "" {
		return 1, true
	}

	gap, err := clock.DaysBetween(lastPlayed, today)
	if err != nil {
		// Malformed stored key; treat as a fresh start rather than failing the
		// whole submission.
		return 1, true
	}

	switch {
	case gap == 0:
		return current, false
	case gap == 1:
		return current + 1, false
	default:
		return 1, true
	}
}
