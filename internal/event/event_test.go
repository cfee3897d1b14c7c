package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speedleague/reflex/internal/domain"
	"github.com/speedleague/reflex/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := event.NewBus()

	var (
		mu  sync.Mutex
		got []event.Event
	)
	b.Subscribe(domain.EventNameDailyBestUpdated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), domain.EventDailyBestUpdated{
		UserID:     "u1",
		Day:        "2025-03-10",
		BestMs:     190,
		UpdateTime: time.Now(),
	})
	b.Stop()

	require.Len(t, got, 1)
	require.Equal(t, "u1", got[0].(domain.EventDailyBestUpdated).UserID)
}

func TestBus_MultipleHandlers(t *testing.T) {
	b := event.NewBus()

	var (
		mu    sync.Mutex
		calls int
	)
	h := func(ctx context.Context, e event.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	b.Subscribe(domain.EventNameRankChanged, h)
	b.Subscribe(domain.EventNameRankChanged, h)

	b.Publish(context.Background(), domain.EventRankChanged{UserID: "u1", Rank: 3})
	b.Stop()

	require.Equal(t, 2, calls)
}

func TestBus_HandlerFailureIsIsolated(t *testing.T) {
	b := event.NewBus()

	var (
		mu  sync.Mutex
		got []string
	)
	b.Subscribe(domain.EventNameAttemptFlagged, func(ctx context.Context, e event.Event) error {
		return errors.New("boom")
	})
	b.Subscribe(domain.EventNameAttemptFlagged, func(ctx context.Context, e event.Event) error {
		panic("boom")
	})
	b.Subscribe(domain.EventNameAttemptFlagged, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		got = append(got, e.(domain.EventAttemptFlagged).UserID)
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), domain.EventAttemptFlagged{UserID: "u1"})
	b.Stop()

	require.Equal(t, []string{"u1"}, got)
}

func TestBus_PublishSurvivesCanceledContext(t *testing.T) {
	b := event.NewBus()

	done := make(chan struct{})
	b.Subscribe(domain.EventNameDailyBestUpdated, func(ctx context.Context, e event.Event) error {
		defer close(done)
		// The handler context is detached from the publisher's.
		require.NoError(t, ctx.Err())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b.Publish(ctx, domain.EventDailyBestUpdated{UserID: "u1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	b.Stop()
}
