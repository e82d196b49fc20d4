// Package analytics records windowed materialization counters in Redis.
// Counters answer "how many runs did deployment X materialize in bucket Y"
// without touching the primary database.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runloom/runloom/internal/domain"
)

// DefaultRetention is how long counter keys live before Redis expires them.
const DefaultRetention = 7 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	if window <= 0 {
		window = time.Hour
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, window: window, retention: retention}
}

// Write increments the materialization counter for the event's deployment in
// the bucket containing the event time.
func (s *RedisSink) Write(ctx context.Context, event domain.RunsMaterializedEvent) error {
	if len(event.RunIDs) == 0 {
		return nil
	}

	key := buildKey(event.FlowID.String(), event.DeploymentID.String(), event.CreatedAt, s.window)

	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, key, int64(len(event.RunIDs)))
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count reads the counter for a deployment at a given bucket time. Missing
// keys read as zero.
func (s *RedisSink) Count(ctx context.Context, flowID, deploymentID string, at time.Time) (int64, error) {
	key := buildKey(flowID, deploymentID, at, s.window)
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func buildKey(flowID, deploymentID string, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("f:%s:d:%s:materialized:%s", flowID, deploymentID, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
