package anticheat

import "time"

// Flag marks a validation rule outcome on a single submission.
type Flag string

const (
	FlagInvalidRange       Flag = "INVALID_RANGE"
	FlagFalseStartMismatch Flag = "FALSE_START_MISMATCH"
	FlagTimestampMismatch  Flag = "TIMESTAMP_MISMATCH"
	FlagSuspiciousSpeed    Flag = "SUSPICIOUS_SPEED"
)

const (
	minReactionMs = 100
	maxReactionMs = 2000

	// Sub-150ms is physiologically rare. Flagged for monitoring, never rejected.
	suspiciousMs = 150

	// Bound on client clock skew and replay.
	maxTimestampSkew = 10 * time.Second
)

// Result of validating one submission. Persist is true when the attempt should
// be written to the daily-best ledger and compete for rank: accepted and not a
// false start.
type Result struct {
	Accepted bool
	Flags    []Flag
	Persist  bool
}

// FlagStrings returns the flags as plain strings for responses and logs.
func (r Result) FlagStrings() []string {
	out := make([]string, len(r.Flags))
	for i, f := range r.Flags {
		out[i] = string(f)
	}
	return out
}

// Validate applies every rule and collects all applicable flags; rules are not
// short-circuited.
func Validate(reactionMs int, submittedAt, now time.Time, falseStart bool) Result {
	var (
		flags    []Flag
		accepted = true
	)

	// False starts are pinned to exactly 0ms by the mismatch rule below, so
	// the range check only applies to real reactions.
	if !falseStart && (reactionMs < minReactionMs || reactionMs > maxReactionMs) {
		flags = append(flags, FlagInvalidRange)
		accepted = false
	}

	if falseStart && reactionMs != 0 {
		flags = append(flags, FlagFalseStartMismatch)
		accepted = false
	}

	skew := now.Sub(submittedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		flags = append(flags, FlagTimestampMismatch)
		accepted = false
	}

	if !falseStart && reactionMs < suspiciousMs {
		flags = append(flags, FlagSuspiciousSpeed)
	}

	return Result{
		Accepted: accepted,
		Flags:    flags,
		Persist:  accepted && !falseStart,
	}
}

// StatisticalAnomaly reports whether a user's recent history is implausibly
// fast: at least 3 recorded attempts, more than 95% of them sub-150ms, and the
// current attempt sub-150ms as well. Advisory only.
func StatisticalAnomaly(recent []int, current int) bool {
	if len(recent) < 3 {
		return false
	}

	sub := 0
	for _, ms := range recent {
		if ms < suspiciousMs {
			sub++
		}
	}

	pct := float64(sub) / float64(len(recent)) * 100
	return pct > 95 && current < suspiciousMs
}

// RepeatedValues reports whether the sequence contains 3 or more consecutive
// identical reaction times. Advisory only.
func RepeatedValues(attempts []int) bool {
	if len(attempts) < 3 {
		return false
	}

	run := 1
	for i := 1; i < len(attempts); i++ {
		if attempts[i] == attempts[i-1] {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 1
		}
	}

	return false
}
