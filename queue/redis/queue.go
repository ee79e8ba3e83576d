// Package redis carries background retry jobs on a Redis list with a
// sorted-set delay buffer. Jobs whose NotBefore lies in the future wait
// in the buffer; Promote moves due jobs onto the ready list where
// workers block on them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/retry"
)

const (
	readySuffix   = "retry:ready"
	delayedSuffix = "retry:delayed"
)

// Queue is the Redis retry queue. It implements retry.Scheduler.
type Queue struct {
	client *redis.Client
	prefix string
	logger *logrus.Entry
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(ctx context.Context, cfg config.RedisConfig) (*Queue, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewQueueWithClient(client, cfg.KeyPrefix), nil
}

// NewQueueWithClient wraps an existing client; tests pass a miniredis
// backed one.
func NewQueueWithClient(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "krai:"
	}
	return &Queue{
		client: client,
		prefix: prefix,
		logger: common.ComponentLogger("queue"),
	}
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// ScheduleRetry implements retry.Scheduler. Due jobs go straight to
// the ready list; future jobs wait in the delay buffer.
func (q *Queue) ScheduleRetry(ctx context.Context, job retry.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal retry job: %w", err)
	}
	if job.NotBefore.After(time.Now()) {
		return q.client.ZAdd(ctx, q.prefix+delayedSuffix, redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: string(payload),
		}).Err()
	}
	return q.client.RPush(ctx, q.prefix+readySuffix, string(payload)).Err()
}

// Promote moves jobs whose NotBefore has passed from the delay buffer
// onto the ready list. Returns how many jobs were promoted.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.prefix+delayedSuffix, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delay buffer: %w", err)
	}
	promoted := 0
	for _, payload := range due {
		removed, err := q.client.ZRem(ctx, q.prefix+delayedSuffix, payload).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			// Another promoter won the race for this job.
			continue
		}
		if err := q.client.RPush(ctx, q.prefix+readySuffix, payload).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue blocks up to timeout for the next ready job. Returns
// (nil, nil) when the timeout passes with an empty queue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*retry.Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.prefix+readySuffix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue retry job: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job retry.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.WithError(err).Warn("Dropping undecodable retry job")
		return nil, nil
	}
	return &job, nil
}

// Depths reports the ready and delayed queue depths for queue metrics.
func (q *Queue) Depths(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, q.prefix+readySuffix).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, q.prefix+delayedSuffix).Result()
	if err != nil {
		return 0, 0, err
	}
	return ready, delayed, nil
}
