package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/speedleague/reflex/internal/domain"
)

const (
	maxConcurrent = 100

	// Bursts of daily-best improvements collapse into one broadcast per day
	// key within this window.
	broadcastInterval = 200 * time.Millisecond

	broadcastSize = 10
)

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type rankChange struct {
	UserID     string  `json:"userId"`
	Day        string  `json:"day"`
	BestMs     int     `json:"bestMs"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
	Total      int     `json:"total"`
}

// PublishRankChanged notifies the affected user of their new rank, then
// fans the refreshed top of the board out to its members, throttled so a
// burst of improvements produces a single broadcast.
func (a *API) PublishRankChanged(ctx context.Context, e domain.EventRankChanged) error {
	data := rankChange{
		UserID:     e.UserID,
		Day:        string(e.Day),
		BestMs:     e.BestMs,
		Rank:       e.Rank,
		Percentile: e.Percentile,
		Total:      e.Total,
	}

	if err := a.publishNotification(ctx, e.UserID, e.Name(), data); err != nil {
		return err
	}

	return a.broadcastTop(ctx, e)
}

func (a *API) broadcastTop(ctx context.Context, e domain.EventRankChanged) error {
	ok, err := a.redis.SetNX(ctx, fmt.Sprintf("%s:broadcast:%s", a.prefix, e.Day), 1, broadcastInterval).Result()
	if err != nil {
		return fmt.Errorf("pubsub: setnx: %w", err)
	}
	if !ok {
		return nil
	}

	top, err := a.ls.Top(ctx, e.Day, broadcastSize)
	if err != nil {
		return fmt.Errorf("pubsub: read top: %w", err)
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range top {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.UserID, "leaderboard.updated", top)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, userID, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, userID), b).Err()
}
