package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speedleague/reflex/internal/clock"
)

func TestDayOf(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*60*60)
	at := time.Date(2025, 3, 9, 23, 30, 0, 0, loc)

	require.Equal(t, clock.DayKey("2025-03-10"), clock.DayOf(at))
}

func TestWeekStart(t *testing.T) {
	tests := map[string]struct {
		at   time.Time
		want clock.WeekKey
	}{
		"monday maps to itself": {
			at:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			want: "2025-03-10",
		},
		"wednesday maps back to monday": {
			at:   time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
			want: "2025-03-10",
		},
		"sunday belongs to the preceding monday": {
			at:   time.Date(2025, 3, 16, 23, 59, 0, 0, time.UTC),
			want: "2025-03-10",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, clock.WeekStart(tt.at))
		})
	}
}

func TestUntilNextDay(t *testing.T) {
	at := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	require.Equal(t, time.Hour, clock.UntilNextDay(at))
}

func TestDaysBetween(t *testing.T) {
	d, err := clock.DaysBetween("2025-03-08", "2025-03-10")
	require.NoError(t, err)
	require.Equal(t, 2, d)

	d, err = clock.DaysBetween("2025-03-10", "2025-03-10")
	require.NoError(t, err)
	require.Equal(t, 0, d)

	_, err = clock.DaysBetween("not-a-day", "2025-03-10")
	require.Error(t, err)
}

func TestAddDays(t *testing.T) {
	require.Equal(t, clock.DayKey("2025-03-01"), clock.DayKey("2025-02-28").AddDays(1))
}
