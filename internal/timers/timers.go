// Package timers holds the durable wave-expiry schedule: a Redis sorted set
// keyed by job id with the wave deadline as score. Waiting jobs never park a
// goroutine; the worker polls due entries and re-enters the orchestrator.
// The schedule is rebuilt from offer rows on startup, so losing Redis only
// delays sweeps, it never drops them.
package timers

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scheduleKey = "dispatch:wave_timers"

// WaveTimers schedules wave-expiry evaluation per job.
type WaveTimers struct {
	client *redis.Client
}

func New(client *redis.Client) *WaveTimers {
	return &WaveTimers{client: client}
}

// Schedule (re)arms the job's wave timer at the given deadline. A job has at
// most one armed timer; re-arming overwrites the previous deadline.
func (t *WaveTimers) Schedule(ctx context.Context, jobID string, at time.Time) error {
	return t.client.ZAdd(ctx, scheduleKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: jobID,
	}).Err()
}

// Cancel disarms the job's timer (assignment, cancellation, failure).
func (t *WaveTimers) Cancel(ctx context.Context, jobID string) error {
	return t.client.ZRem(ctx, scheduleKey, jobID).Err()
}

// PopDue atomically removes and returns up to limit job ids whose deadline
// has passed. Atomicity keeps multiple workers from sweeping the same job;
// a job that still needs attention is re-armed by the orchestrator.
func (t *WaveTimers) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := popDueScript.Run(ctx, t.client, []string{scheduleKey}, now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("pop due timers: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Depth reports the number of armed timers, for telemetry.
func (t *WaveTimers) Depth(ctx context.Context) (int64, error) {
	return t.client.ZCard(ctx, scheduleKey).Result()
}

var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i=1,#due do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)
