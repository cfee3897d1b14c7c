package streak_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/streak"
)

func TestAdvance(t *testing.T) {
	tests := map[string]struct {
		lastPlayed clock.DayKey
		current    int
		today      clock.DayKey

		wantStreak int
		wantNew    bool
	}{
		"no prior play starts a streak": {
			lastPlayed: "", current: 0, today: "2025-03-10",
			wantStreak: 1, wantNew: true,
		},
		"same day does not double-count": {
			lastPlayed: "2025-03-10", current: 5, today: "2025-03-10",
			wantStreak: 5, wantNew: false,
		},
		"consecutive day extends": {
			lastPlayed: "2025-03-09", current: 5, today: "2025-03-10",
			wantStreak: 6, wantNew: false,
		},
		"gap of more than one day resets": {
			lastPlayed: "2025-03-07", current: 5, today: "2025-03-10",
			wantStreak: 1, wantNew: true,
		},
		"month boundary still counts as one day": {
			lastPlayed: "2025-02-28", current: 2, today: "2025-03-01",
			wantStreak: 3, wantNew: false,
		},
		"malformed stored key treated as fresh": {
			lastPlayed: "garbage", current: 5, today: "2025-03-10",
			wantStreak: 1, wantNew: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, isNew := streak.Advance(tt.lastPlayed, tt.current, tt.today)
			require.Equal(t, tt.wantStreak, got)
			require.Equal(t, tt.wantNew, isNew)
		})
	}
}
