package anticheat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speedleague/reflex/internal/anticheat"
)

func TestValidate(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		reactionMs  int
		submittedAt time.Time
		falseStart  bool

		wantAccepted bool
		wantPersist  bool
		wantFlags    []anticheat.Flag
	}{
		"valid attempt": {
			reactionMs:   220,
			submittedAt:  now,
			wantAccepted: true,
			wantPersist:  true,
		},
		"below range": {
			reactionMs:  99,
			submittedAt: now,
			wantFlags:   []anticheat.Flag{anticheat.FlagInvalidRange, anticheat.FlagSuspiciousSpeed},
		},
		"above range": {
			reactionMs:  2001,
			submittedAt: now,
			wantFlags:   []anticheat.Flag{anticheat.FlagInvalidRange},
		},
		"range boundaries accepted": {
			reactionMs:   2000,
			submittedAt:  now,
			wantAccepted: true,
			wantPersist:  true,
		},
		// A false start is always 0ms, below the range floor; the range rule
		// must not fire for it.
		"false start with zero time accepted but not persisted": {
			reactionMs:   0,
			submittedAt:  now,
			falseStart:   true,
			wantAccepted: true,
			wantPersist:  false,
		},
		"false start with nonzero time rejected": {
			reactionMs:  250,
			submittedAt: now,
			falseStart:  true,
			wantFlags:   []anticheat.Flag{anticheat.FlagFalseStartMismatch},
		},
		"stale timestamp rejected": {
			reactionMs:  300,
			submittedAt: now.Add(-11 * time.Second),
			wantFlags:   []anticheat.Flag{anticheat.FlagTimestampMismatch},
		},
		"future timestamp rejected": {
			reactionMs:  300,
			submittedAt: now.Add(11 * time.Second),
			wantFlags:   []anticheat.Flag{anticheat.FlagTimestampMismatch},
		},
		"suspiciously fast is flagged but accepted": {
			reactionMs:   120,
			submittedAt:  now,
			wantAccepted: true,
			wantPersist:  true,
			wantFlags:    []anticheat.Flag{anticheat.FlagSuspiciousSpeed},
		},
		"all flags collected, not short-circuited": {
			reactionMs:  50,
			submittedAt: now.Add(-time.Minute),
			falseStart:  true,
			wantFlags: []anticheat.Flag{
				anticheat.FlagFalseStartMismatch,
				anticheat.FlagTimestampMismatch,
			},
		},
		"all flags collected for a real reaction": {
			reactionMs:  50,
			submittedAt: now.Add(-time.Minute),
			wantFlags: []anticheat.Flag{
				anticheat.FlagInvalidRange,
				anticheat.FlagTimestampMismatch,
				anticheat.FlagSuspiciousSpeed,
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			res := anticheat.Validate(tt.reactionMs, tt.submittedAt, now, tt.falseStart)

			require.Equal(t, tt.wantAccepted, res.Accepted)
			require.Equal(t, tt.wantPersist, res.Persist)
			require.Equal(t, tt.wantFlags, res.Flags)
		})
	}
}

func TestStatisticalAnomaly(t *testing.T) {
	require.False(t, anticheat.StatisticalAnomaly([]int{110, 120}, 115), "too little history")
	require.True(t, anticheat.StatisticalAnomaly([]int{110, 120, 130, 140}, 115))
	require.False(t, anticheat.StatisticalAnomaly([]int{110, 120, 130, 400}, 115), "only 75% sub-threshold")
	require.False(t, anticheat.StatisticalAnomaly([]int{110, 120, 130, 140}, 300), "current attempt is normal")
}

func TestRepeatedValues(t *testing.T) {
	require.False(t, anticheat.RepeatedValues([]int{200, 200}))
	require.True(t, anticheat.RepeatedValues([]int{200, 200, 200}))
	require.True(t, anticheat.RepeatedValues([]int{300, 200, 200, 200, 400}))
	require.False(t, anticheat.RepeatedValues([]int{200, 200, 300, 200, 200}))
}
