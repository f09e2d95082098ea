// queue/redis_queue.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in Redis: a waiting list per queue, sorted sets for
// active (scored by lock deadline), delayed (scored by ready time) and the
// terminal states (scored by finish time), plus one hash per job.
type RedisQueue struct {
	client *redis.Client
	prefix string
	opts   Options
}

func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: "pipeline",
		opts:   opts.withDefaults(),
	}
}

// terminalResetScript flips a completed or failed job back to waiting.
var terminalResetScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state == "completed" or state == "failed" then
	redis.call("HSET", KEYS[1], "state", "waiting")
	return 1
end
return 0`)

func (q *RedisQueue) queuesKey() string          { return q.prefix + ":queues" }
func (q *RedisQueue) waitingKey(n string) string { return q.prefix + ":" + n + ":waiting" }
func (q *RedisQueue) activeKey(n string) string  { return q.prefix + ":" + n + ":active" }
func (q *RedisQueue) delayedKey(n string) string { return q.prefix + ":" + n + ":delayed" }
func (q *RedisQueue) doneKey(n string) string    { return q.prefix + ":" + n + ":completed" }
func (q *RedisQueue) failedKey(n string) string  { return q.prefix + ":" + n + ":failed" }
func (q *RedisQueue) jobKey(n, id string) string { return q.prefix + ":" + n + ":job:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, queueName, jobID, payload string, priority int) (*EnqueueResult, error) {
	jobKey := q.jobKey(queueName, jobID)

	// HSetNX on the state field is the dedupe gate: exactly one caller wins
	// the creation race for a given job id.
	created, err := q.client.HSetNX(ctx, jobKey, "state", string(StateWaiting)).Result()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobID, err)
	}

	if !created {
		// The reset script is atomic, so exactly one of several concurrent
		// re-enqueues for a terminal job wins it; the losers (and any caller
		// racing a live job) see the job as in flight.
		reset, err := terminalResetScript.Run(ctx, q.client, []string{jobKey}).Int()
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", jobID, err)
		}
		if reset == 0 {
			return &EnqueueResult{JobID: jobID, AlreadyInFlight: true}, nil
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.doneKey(queueName), jobID)
		pipe.ZRem(ctx, q.failedKey(queueName), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", jobID, err)
		}
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey,
		"payload", payload,
		"priority", priority,
		"attempts", 0,
		"stalls", 0,
		"token", "",
		"error", "",
		"enqueued_at", now.UnixMilli(),
	)
	pipe.SAdd(ctx, q.queuesKey(), queueName)
	if priority > 0 {
		pipe.LPush(ctx, q.waitingKey(queueName), jobID)
	} else {
		pipe.RPush(ctx, q.waitingKey(queueName), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobID, err)
	}

	return &EnqueueResult{JobID: jobID}, nil
}

func (q *RedisQueue) InFlight(ctx context.Context, queues []string, jobID string) (bool, error) {
	for _, n := range queues {
		state, err := q.client.HGet(ctx, q.jobKey(n, jobID), "state").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("job %s: %w", jobID, err)
		}
		switch State(state) {
		case StateWaiting, StateActive, StateDelayed:
			return true, nil
		}
	}
	return false, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Job, error) {
	keys := make([]string, len(queues))
	for i, n := range queues {
		keys[i] = q.waitingKey(n)
	}

	result, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	queueName := strings.TrimSuffix(strings.TrimPrefix(result[0], q.prefix+":"), ":waiting")
	jobID := result[1]
	jobKey := q.jobKey(queueName, jobID)
	token := uuid.NewString()
	deadline := time.Now().Add(q.opts.StallThreshold)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey, "state", string(StateActive), "token", token)
	attempts := pipe.HIncrBy(ctx, jobKey, "attempts", 1)
	pipe.ZAdd(ctx, q.activeKey(queueName), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID})
	fields := pipe.HGetAll(ctx, jobKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", jobID, err)
	}

	data := fields.Val()
	priority, _ := strconv.Atoi(data["priority"])
	enqueuedMs, _ := strconv.ParseInt(data["enqueued_at"], 10, 64)

	return &Job{
		ID:         jobID,
		Queue:      queueName,
		Payload:    data["payload"],
		Priority:   priority,
		Attempts:   int(attempts.Val()),
		EnqueuedAt: time.UnixMilli(enqueuedMs),
		Token:      token,
	}, nil
}

// checkOwner verifies the delivery token before any ack-side mutation.
func (q *RedisQueue) checkOwner(ctx context.Context, job *Job) error {
	token, err := q.client.HGet(ctx, q.jobKey(job.Queue, job.ID), "token").Result()
	if err == redis.Nil {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if token != job.Token {
		return ErrNotOwner
	}
	return nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, job *Job) error {
	if err := q.checkOwner(ctx, job); err != nil {
		return err
	}
	deadline := time.Now().Add(q.opts.StallThreshold)
	return q.client.ZAddXX(ctx, q.activeKey(job.Queue),
		redis.Z{Score: float64(deadline.UnixMilli()), Member: job.ID}).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	if err := q.checkOwner(ctx, job); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, q.jobKey(job.Queue, job.ID), "state", string(StateCompleted), "token", "")
	pipe.ZAdd(ctx, q.doneKey(job.Queue), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (Disposition, error) {
	if err := q.checkOwner(ctx, job); err != nil {
		return DispositionDead, err
	}

	jobKey := q.jobKey(job.Queue, job.ID)
	if job.Attempts >= q.opts.MaxAttempts {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(job.Queue), job.ID)
		pipe.HSet(ctx, jobKey, "state", string(StateFailed), "token", "", "error", cause.Error())
		pipe.ZAdd(ctx, q.failedKey(job.Queue), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return DispositionDead, err
		}
		return DispositionDead, nil
	}

	readyAt := time.Now().Add(q.opts.backoff(job.Attempts))
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, jobKey, "state", string(StateDelayed), "token", "", "error", cause.Error())
	pipe.ZAdd(ctx, q.delayedKey(job.Queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return DispositionRetried, err
	}
	return DispositionRetried, nil
}

func (q *RedisQueue) Discard(ctx context.Context, job *Job, cause error) error {
	if err := q.checkOwner(ctx, job); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, q.jobKey(job.Queue, job.ID), "state", string(StateFailed), "token", "", "error", cause.Error())
	pipe.ZAdd(ctx, q.failedKey(job.Queue), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	queues, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil {
		return err
	}

	found := false
	for _, queueName := range queues {
		jobKey := q.jobKey(queueName, jobID)
		state, err := q.client.HGet(ctx, jobKey, "state").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		found = true
		// Stage jobs share the video id; skip the ones that are not failed
		// and keep scanning for one that is.
		if State(state) != StateFailed {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.failedKey(queueName), jobID)
		pipe.HSet(ctx, jobKey, "state", string(StateWaiting), "attempts", 0, "stalls", 0, "error", "")
		pipe.RPush(ctx, q.waitingKey(queueName), jobID)
		_, err = pipe.Exec(ctx)
		return err
	}
	if found {
		return ErrNotFailed
	}
	return ErrUnknownJob
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var counts Counts

	queues, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil {
		return counts, err
	}

	for _, n := range queues {
		waiting, err := q.client.LLen(ctx, q.waitingKey(n)).Result()
		if err != nil {
			return counts, err
		}
		active, err := q.client.ZCard(ctx, q.activeKey(n)).Result()
		if err != nil {
			return counts, err
		}
		delayed, err := q.client.ZCard(ctx, q.delayedKey(n)).Result()
		if err != nil {
			return counts, err
		}
		completed, err := q.client.ZCard(ctx, q.doneKey(n)).Result()
		if err != nil {
			return counts, err
		}
		failed, err := q.client.ZCard(ctx, q.failedKey(n)).Result()
		if err != nil {
			return counts, err
		}

		counts.Waiting += waiting
		counts.Active += active
		counts.Delayed += delayed
		counts.Completed += completed
		counts.Failed += failed
	}

	counts.Total = counts.Waiting + counts.Active + counts.Delayed + counts.Completed + counts.Failed
	return counts, nil
}

func (q *RedisQueue) Cleanup(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int, error) {
	queues, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, n := range queues {
		c, err := q.purgeOlder(ctx, n, q.doneKey(n), completedOlderThan)
		if err != nil {
			return removed, err
		}
		removed += c
		c, err = q.purgeOlder(ctx, n, q.failedKey(n), failedOlderThan)
		if err != nil {
			return removed, err
		}
		removed += c
	}
	return removed, nil
}

func (q *RedisQueue) purgeOlder(ctx context.Context, queueName, setKey string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, setKey, id)
		pipe.Del(ctx, q.jobKey(queueName, id))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	queues, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, n := range queues {
		ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(n), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return promoted, err
		}
		for _, id := range ids {
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.delayedKey(n), id)
			pipe.HSet(ctx, q.jobKey(n, id), "state", string(StateWaiting))
			pipe.RPush(ctx, q.waitingKey(n), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

func (q *RedisQueue) ReclaimStalled(ctx context.Context) (int, []Job, error) {
	queues, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil {
		return 0, nil, err
	}

	requeued := 0
	var dead []Job
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for _, n := range queues {
		ids, err := q.client.ZRangeByScore(ctx, q.activeKey(n), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return requeued, dead, err
		}

		for _, id := range ids {
			jobKey := q.jobKey(n, id)
			stalls, err := q.client.HIncrBy(ctx, jobKey, "stalls", 1).Result()
			if err != nil {
				return requeued, dead, err
			}

			if int(stalls) > q.opts.MaxStalls {
				payload, _ := q.client.HGet(ctx, jobKey, "payload").Result()
				pipe := q.client.TxPipeline()
				pipe.ZRem(ctx, q.activeKey(n), id)
				pipe.HSet(ctx, jobKey, "state", string(StateFailed), "token", "", "error", "job stalled: worker stopped heartbeating")
				pipe.ZAdd(ctx, q.failedKey(n), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
				if _, err := pipe.Exec(ctx); err != nil {
					return requeued, dead, err
				}
				dead = append(dead, Job{ID: id, Queue: n, Payload: payload})
				continue
			}

			// Rotating the token out from under the stalled worker is what
			// keeps redelivery mutually exclusive: its heartbeat and ack
			// both fail with ErrNotOwner from here on.
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.activeKey(n), id)
			pipe.HSet(ctx, jobKey, "state", string(StateWaiting), "token", "")
			pipe.RPush(ctx, q.waitingKey(n), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return requeued, dead, err
			}
			requeued++
		}
	}
	return requeued, dead, nil
}

var _ Queue = (*RedisQueue)(nil)

// IsTransient reports whether an error is a queue-backend connectivity
// failure, retried by the caller's own loop rather than surfacing to stage
// handlers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotOwner) || errors.Is(err, ErrNotFailed) || errors.Is(err, ErrUnknownJob) {
		return false
	}
	return true
}
