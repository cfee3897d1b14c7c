package leaderboard_test

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/speedleague/reflex/internal/clock"
	"github.com/speedleague/reflex/internal/faststore"
	"github.com/speedleague/reflex/internal/leaderboard"
	"github.com/speedleague/reflex/internal/score"
)

const day = clock.DayKey("2025-03-10")

func TestUpsertAndRank(t *testing.T) {
	s, _, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, day, "u1", 250))
	require.NoError(t, s.Upsert(ctx, day, "u2", 190))
	require.NoError(t, s.Upsert(ctx, day, "u3", 310))

	r, err := s.GetRank(ctx, day, "u2")
	require.NoError(t, err)
	require.NotNil(t, r.Rank)
	require.Equal(t, 1, *r.Rank)
	require.Equal(t, 3, r.Total)

	r, err = s.GetRank(ctx, day, "u3")
	require.NoError(t, err)
	require.Equal(t, 3, *r.Rank)
	require.InDelta(t, 0.0, r.Percentile, 0.01)
}

func TestGetRank_NoEntry(t *testing.T) {
	s, _, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, day, "u1", 250))

	r, err := s.GetRank(ctx, day, "ghost")
	require.NoError(t, err)
	require.Nil(t, r.Rank)
	require.Equal(t, 1, r.Total)
}

func TestUpsert_ImprovementOnly(t *testing.T) {
	// The caller gates on daily-best improvement; a second upsert with a better
	// time moves the user up.
	s, _, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, day, "u1", 250))
	require.NoError(t, s.Upsert(ctx, day, "u2", 240))
	require.NoError(t, s.Upsert(ctx, day, "u1", 200))

	top, err := s.Top(ctx, day, 10)
	require.NoError(t, err)
	require.Equal(t, []leaderboard.Entry{
		{UserID: "u1", ReactionMs: 200, Rank: 1},
		{UserID: "u2", ReactionMs: 240, Rank: 2},
	}, top)
}

func TestTop_NonPositiveLimit(t *testing.T) {
	// A zero or negative ZRANGE stop index would select the whole set.
	s, _, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, day, "u1", 250))
	require.NoError(t, s.Upsert(ctx, day, "u2", 190))

	for _, limit := range []int{0, -1} {
		top, err := s.Top(ctx, day, limit)
		require.NoError(t, err)
		require.Empty(t, top)
	}
}

func TestPercentile(t *testing.T) {
	require.InDelta(t, 70.0, leaderboard.Percentile(3, 10), 0.01)
	require.InDelta(t, 0.0, leaderboard.Percentile(1, 1), 0.01)
	require.InDelta(t, 66.7, leaderboard.Percentile(1, 3), 0.01)
	require.InDelta(t, 0.0, leaderboard.Percentile(5, 0), 0.01)
}

func TestFastAndFallbackAgree(t *testing.T) {
	s, rs, ledger := makeService(t)
	ctx := context.Background()

	seed := map[string]int{
		"u1": 250, "u2": 190, "u3": 310, "u4": 205, "u5": 195,
		"u6": 480, "u7": 150, "u8": 999, "u9": 275, "u10": 330,
	}
	for u, ms := range seed {
		require.NoError(t, s.Upsert(ctx, day, u, ms))
		ledger.put(day, u, ms)
	}

	type snapshot struct {
		ranks map[string]leaderboard.Rank
		top   []leaderboard.Entry
	}

	capture := func() snapshot {
		snap := snapshot{ranks: make(map[string]leaderboard.Rank)}
		for u := range seed {
			r, err := s.GetRank(ctx, day, u)
			require.NoError(t, err)
			snap.ranks[u] = r
		}
		var err error
		snap.top, err = s.Top(ctx, day, 5)
		require.NoError(t, err)
		return snap
	}

	fast := capture()
	require.True(t, s.Healthy())

	// Degrade the fast path and re-derive everything from the ledger.
	rs.Close()
	durable := capture()
	require.False(t, s.Healthy())

	for u := range seed {
		require.Equal(t, *fast.ranks[u].Rank, *durable.ranks[u].Rank, "rank for %s", u)
		require.Equal(t, fast.ranks[u].Total, durable.ranks[u].Total, "total for %s", u)
		require.InDelta(t, fast.ranks[u].Percentile, durable.ranks[u].Percentile, 0.1, "percentile for %s", u)
	}
	require.Equal(t, fast.top, durable.top)
}

func TestAround(t *testing.T) {
	s, _, _ := makeService(t)
	ctx := context.Background()

	for i, ms := range []int{150, 180, 210, 240, 270, 300, 330, 360} {
		require.NoError(t, s.Upsert(ctx, day, user(i+1), ms))
	}

	// u5 sits at rank 5; two neighbors each side.
	entries, err := s.Around(ctx, day, "u5", 2)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, 3, entries[0].Rank)
	require.Equal(t, "u3", entries[0].UserID)
	require.Equal(t, 7, entries[4].Rank)

	// Near the top the window is clamped.
	entries, err = s.Around(ctx, day, "u1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, entries[0].Rank)
	require.Len(t, entries, 3)

	entries, err = s.Around(ctx, day, "ghost", 2)
	require.NoError(t, err)
	require.Nil(t, entries)
}

func user(i int) string {
	return "u" + string(rune('0'+i))
}

// fakeLedger is an in-memory stand-in for the durable daily-best rows.
type fakeLedger struct {
	days map[clock.DayKey]map[string]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{days: make(map[clock.DayKey]map[string]int)}
}

func (f *fakeLedger) put(day clock.DayKey, userID string, ms int) {
	if f.days[day] == nil {
		f.days[day] = make(map[string]int)
	}
	f.days[day][userID] = ms
}

func (f *fakeLedger) BestForDay(_ context.Context, userID string, day clock.DayKey) (int, bool, error) {
	ms, ok := f.days[day][userID]
	return ms, ok, nil
}

func (f *fakeLedger) CountBetter(_ context.Context, day clock.DayKey, reactionMs int) (int, error) {
	n := 0
	for _, ms := range f.days[day] {
		if ms < reactionMs {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) CountForDay(_ context.Context, day clock.DayKey) (int, error) {
	return len(f.days[day]), nil
}

func (f *fakeLedger) TopForDay(_ context.Context, day clock.DayKey, limit int) ([]score.LedgerEntry, error) {
	entries := make([]score.LedgerEntry, 0, len(f.days[day]))
	for u, ms := range f.days[day] {
		entries = append(entries, score.LedgerEntry{UserID: u, BestMs: ms})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BestMs != entries[j].BestMs {
			return entries[i].BestMs < entries[j].BestMs
		}
		return entries[i].UserID < entries[j].UserID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func makeService(t *testing.T) (*leaderboard.Service, *miniredis.Miniredis, *fakeLedger) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { _ = rc.Close() })

	ledger := newFakeLedger()
	s := leaderboard.NewService(leaderboard.Config{
		Fast:   faststore.New(rc),
		Ledger: ledger,
		Prefix: "test",
	})

	return s, rs, ledger
}
