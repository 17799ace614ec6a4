package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/snipbox/internal/domain"
)

// StartRecoveryRoutine polls the PEL for stale jobs, claims them for this consumer and
// re-dispatches them on out. It returns when ctx is done.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, out chan<- domain.Job) {
	ticker := time.NewTicker(r.recoverEvery)
	defer ticker.Stop()

	slog.Info("Starting Redis Recovery Routine", "interval", r.recoverEvery, "maxIdle", r.maxIdle, "consumer", r.consumer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.recoverOnce(ctx, out); err != nil && ctx.Err() == nil {
				slog.Error("Recovery routine failed", "error", err)
			}
		}
	}
}

// recoverOnce walks the PEL once.
func (r *RedisQueue) recoverOnce(ctx context.Context, out chan<- domain.Job) error {
	// XAUTOCLAIM: Finds messages pending for > maxIdle
	// and claims them to this consumer to be processed.
	start := "-" // Start from beginning of stream

	for {
		// We claim batches of 10
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  r.maxIdle,
			Start:    start,
			Count:    10,
			Consumer: r.consumer,
		}).Result()
		if err != nil {
			return err
		}

		if len(messages) > 0 {
			slog.Info("Recovered stale jobs", "count", len(messages))
		}

		for _, msg := range messages {
			if r.exhausted(ctx, msg.ID) {
				r.abandon(ctx, msg)
				continue
			}

			job, err := decodeJob(msg)
			if err != nil {
				slog.Error("Dropping undecodable job", "msgID", msg.ID, "error", err)
				r.client.XAck(ctx, r.stream, r.group, msg.ID)
				continue
			}

			slog.Warn("Re-dispatching stale job", "msgID", msg.ID, "jobID", job.ID)
			select {
			case out <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start = nextStart
		if start == "0-0" || len(messages) == 0 {
			return nil
		}
	}
}

// exhausted reports whether the message has been delivered more than maxDeliveries times.
func (r *RedisQueue) exhausted(ctx context.Context, id string) bool {
	if r.maxDeliveries <= 0 {
		return false
	}
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}
	return pending[0].RetryCount > r.maxDeliveries
}

// abandon removes a poison job from the PEL and tells any waiting client.
func (r *RedisQueue) abandon(ctx context.Context, msg redis.XMessage) {
	slog.Error("Abandoning job after repeated deliveries", "msgID", msg.ID, "maxDeliveries", r.maxDeliveries)

	if job, err := decodeJob(msg); err == nil {
		result := domain.JobResult{
			JobID: job.ID,
			Error: fmt.Sprintf("job abandoned after %d deliveries", r.maxDeliveries),
		}
		if err := r.Broadcast(ctx, result); err != nil {
			slog.Error("Failed to broadcast abandoned job", "jobID", job.ID, "error", err)
		}
	}
	r.client.XAck(ctx, r.stream, r.group, msg.ID)
}
