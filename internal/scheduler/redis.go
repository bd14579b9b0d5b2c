package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "brokerd:queue:"

// RedisBroker is a Broker on Redis sorted sets: a ready set scored by
// (priority, sequence) and a delayed set scored by ready-at, with a bounded
// failed list. Jobs survive process restarts; delivery stays at-least-once.
type RedisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(redisURL string, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBroker{rdb: rdb, logger: logger}, nil
}

func readyKey(queue string) string     { return keyPrefix + queue + ":ready" }
func delayedKey(queue string) string   { return keyPrefix + queue + ":delayed" }
func failedKey(queue string) string    { return keyPrefix + queue + ":failed" }
func seqKey(queue string) string       { return keyPrefix + queue + ":seq" }
func completedKey(queue string) string { return keyPrefix + queue + ":completed" }

// readyScore packs (priority, seq) into one sortable float. Priorities stay
// small and sequences below 1e9, so the sum fits a float64 mantissa exactly.
func readyScore(priority int, seq uint64) float64 {
	return float64(priority)*1e9 + float64(seq%1e9)
}

func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	seq, err := b.rdb.Incr(ctx, seqKey(job.Queue)).Result()
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	job.Seq = uint64(seq)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if job.ReadyAt.After(time.Now()) {
		err = b.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: string(data),
		}).Err()
	} else {
		err = b.rdb.ZAdd(ctx, readyKey(job.Queue), redis.Z{
			Score:  readyScore(job.Priority, job.Seq),
			Member: string(data),
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	for {
		if err := b.promoteDue(ctx, queue); err != nil {
			b.logger.Warn("promote delayed jobs failed",
				zap.String("queue", queue), zap.Error(err))
		}

		vals, err := b.rdb.ZPopMin(ctx, readyKey(queue), 1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("pop ready: %w", err)
		}
		if len(vals) > 0 {
			var job Job
			if uerr := json.Unmarshal([]byte(vals[0].Member.(string)), &job); uerr != nil {
				b.logger.Error("dropping undecodable job",
					zap.String("queue", queue), zap.Error(uerr))
				continue
			}
			return &job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// promoteDue moves delayed jobs whose ready-at has passed into the ready set.
func (b *RedisBroker) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	for _, m := range members {
		var job Job
		if uerr := json.Unmarshal([]byte(m), &job); uerr != nil {
			b.rdb.ZRem(ctx, delayedKey(queue), m)
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), m)
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{
			Score:  readyScore(job.Priority, job.Seq),
			Member: m,
		})
		if _, perr := pipe.Exec(ctx); perr != nil {
			return perr
		}
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	return b.rdb.Incr(ctx, completedKey(job.Queue)).Err()
}

func (b *RedisBroker) Fail(ctx context.Context, job *Job, reason string) error {
	rec := FailedJob{Job: *job, Reason: reason, FailedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failed job: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, failedKey(job.Queue), string(data))
	pipe.LTrim(ctx, failedKey(job.Queue), 0, failedRetention-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	pipe := b.rdb.Pipeline()
	ready := pipe.ZCard(ctx, readyKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	failed := pipe.LLen(ctx, failedKey(queue))
	completed := pipe.Get(ctx, completedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	done, _ := strconv.Atoi(completed.Val())
	return QueueStats{
		Queue:     queue,
		Waiting:   int(ready.Val()),
		Delayed:   int(delayed.Val()),
		Completed: done,
		Failed:    int(failed.Val()),
	}, nil
}

func (b *RedisBroker) FailedJobs(ctx context.Context, queue string) ([]FailedJob, error) {
	members, err := b.rdb.LRange(ctx, failedKey(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	out := make([]FailedJob, 0, len(members))
	for _, m := range members {
		var rec FailedJob
		if json.Unmarshal([]byte(m), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
