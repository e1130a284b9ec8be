package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// scheduleKey is the sorted set holding pending retry jobs, scored by
// the unix time of the next attempt.
const scheduleKey = "courierd:webhook:retries"

// job is one webhook delivery unit. It carries everything needed to
// retry without a store lookup.
type job struct {
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
}

// scheduler defers jobs for later redelivery onto the due channel
type scheduler interface {
	schedule(ctx context.Context, j job, at time.Time) error
	run(ctx context.Context)
}

// redisScheduler persists deferred jobs in a redis sorted set so
// retries survive restarts.
type redisScheduler struct {
	client        *redis.Client
	logger        *slog.Logger
	sweepInterval time.Duration
	due           chan<- job
}

func newRedisScheduler(client *redis.Client, logger *slog.Logger, sweepInterval time.Duration, due chan<- job) *redisScheduler {
	return &redisScheduler{client: client, logger: logger, sweepInterval: sweepInterval, due: due}
}

func (s *redisScheduler) schedule(ctx context.Context, j job, at time.Time) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, scheduleKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: string(data),
	}).Err()
}

// run sweeps due jobs onto the channel until the context is cancelled
func (s *redisScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *redisScheduler) sweep(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		s.logger.Error("webhook retry sweep failed", "error", err)
		return
	}

	for _, member := range members {
		// Remove first so two sweepers cannot both deliver the job.
		removed, err := s.client.ZRem(ctx, scheduleKey, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		var j job
		if err := json.Unmarshal([]byte(member), &j); err != nil {
			s.logger.Error("dropping malformed retry job", "error", err)
			continue
		}
		select {
		case s.due <- j:
		case <-ctx.Done():
			return
		}
	}
}

// timerScheduler is the in-process fallback used when redis is not
// configured. Deferred jobs do not survive a restart.
type timerScheduler struct {
	due chan<- job
}

func newTimerScheduler(due chan<- job) *timerScheduler {
	return &timerScheduler{due: due}
}

func (s *timerScheduler) schedule(ctx context.Context, j job, at time.Time) error {
	time.AfterFunc(time.Until(at), func() {
		select {
		case s.due <- j:
		default:
		}
	})
	return nil
}

func (s *timerScheduler) run(ctx context.Context) {}
