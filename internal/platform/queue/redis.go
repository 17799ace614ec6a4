package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/snipbox/internal/domain"
)

// Connect returns a verified Redis client.
// If Redis is unreachable, the function panics to prevent the service from starting in a broken state (Fail-Fast).
func Connect(addr string) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}
	return rdb
}

// RedisQueue implements domain.JobQueue using Redis Streams.
type RedisQueue struct {
	client   redis.UniversalClient
	stream   string
	group    string
	channel  string
	cancels  string
	consumer string

	// Recovery settings; zero interval disables recovery.
	recoverEvery  time.Duration
	maxIdle       time.Duration
	maxDeliveries int64
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithRecovery re-dispatches messages left pending longer than maxIdle, checked every interval.
// Messages delivered more than maxDeliveries times are abandoned with a failure result.
func WithRecovery(interval, maxIdle time.Duration, maxDeliveries int64) Option {
	return func(r *RedisQueue) {
		r.recoverEvery = interval
		r.maxIdle = maxIdle
		r.maxDeliveries = maxDeliveries
	}
}

// WithConsumer overrides the consumer name (default: hostname).
func WithConsumer(name string) Option {
	return func(r *RedisQueue) {
		r.consumer = name
	}
}

// NewRedisQueue returns a new Redis-backed queue adapter.
// Results are published on "<stream>:results" and cancellations on "<stream>:cancel".
func NewRedisQueue(client redis.UniversalClient, stream, group string, opts ...Option) *RedisQueue {
	r := &RedisQueue{
		client:  client,
		stream:  stream,
		group:   group,
		channel: stream + ":results",
		cancels: stream + ":cancel",
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.consumer == "" {
		// Generate a unique consumer name (e.g: hostname-pid)
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		r.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return r
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// XADD appends to the stream.
	// We use "*" Id to let Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()

	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs using the XREADGROUP (Consumer).
// With recovery enabled, reclaimed stale jobs arrive on the same channel.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	// 1. Ensure the Consumer Group exists
	// MkStream guarantees the stream exists even if empty. "0" delivers jobs published before the group existed.
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	// 2. Spawn background listeners
	outCh := make(chan domain.Job)
	done := make(chan struct{})

	go func() {
		defer close(done)
		r.read(ctx, outCh)
	}()

	if r.recoverEvery > 0 {
		recovered := make(chan struct{})
		go func() {
			defer close(recovered)
			r.StartRecoveryRoutine(ctx, outCh)
		}()
		go func() {
			<-done
			<-recovered
			close(outCh)
		}()
	} else {
		go func() {
			<-done
			close(outCh)
		}()
	}
	return outCh, nil
}

func (r *RedisQueue) read(ctx context.Context, outCh chan<- domain.Job) {
	for {
		if ctx.Err() != nil {
			return
		}
		// XREADGROUP blocks until a message is available (Block: 0 means forever, but we use 2s to check context)
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"}, // ">" means new messages
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Timeout, retry
			}
			// Check if context canceled during blocking call
			if ctx.Err() != nil {
				return
			}
			slog.Error("Redis read error", "error", err)
			select {
			case <-time.After(time.Second): // Backoff
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				job, err := decodeJob(msg)
				if err != nil {
					slog.Error("Dropping undecodable job", "msgID", msg.ID, "error", err)
					r.client.XAck(ctx, r.stream, r.group, msg.ID)
					continue
				}
				select {
				case outCh <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// decodeJob extracts a job and captures the Redis Stream ID so we can ACK later.
func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, fmt.Errorf("invalid message format")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Broadcast publishes the execution result to the results channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.client.Publish(ctx, r.channel, data).Err()
}

// SubscribeLogs subscribes to the results channel and streams results to a Go channel.
func (r *RedisQueue) SubscribeLogs(ctx context.Context) (<-chan domain.JobResult, error) {
	// Create the PubSub connection
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	// Create output channel
	outCh := make(chan domain.JobResult)

	// Spawn background listener
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("Failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

// Cancel publishes jobID on the cancellation channel.
func (r *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	if err := r.client.Publish(ctx, r.cancels, jobID).Err(); err != nil {
		return fmt.Errorf("redis cancel failed: %w", err)
	}
	return nil
}

// SubscribeCancels streams the IDs of jobs whose cancellation was requested.
func (r *RedisQueue) SubscribeCancels(ctx context.Context) (<-chan string, error) {
	pubsub := r.client.Subscribe(ctx, r.cancels)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	outCh := make(chan string)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case outCh <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}
