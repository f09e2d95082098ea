// queue/queue.go
package queue

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrNotOwner means the job lock was reclaimed from this worker; the
	// result of its work must not be acked.
	ErrNotOwner = errors.New("queue: job lock no longer owned")
	// ErrNotFailed means Retry was called for a job that is not in the
	// failed state.
	ErrNotFailed = errors.New("queue: job is not in failed state")
	// ErrUnknownJob means no job with that id exists in any queue.
	ErrUnknownJob = errors.New("queue: unknown job")
)

// Job is the envelope the queue owns. JobID equals the video id for
// top-level processing requests, which is what makes enqueue idempotent per
// asset.
type Job struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Payload    string    `json:"payload"`
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Token identifies one delivery; heartbeat and ack are rejected once the
	// job has been reclaimed and redelivered under a new token.
	Token string `json:"-"`
}

// EnqueueResult is the discriminated outcome of Enqueue: either a job was
// created or one with the same id is already in flight.
type EnqueueResult struct {
	JobID           string
	AlreadyInFlight bool
}

// Disposition reports what Fail did with the job.
type Disposition int

const (
	DispositionRetried Disposition = iota // delayed for another attempt
	DispositionDead                       // attempt budget exhausted
)

// Counts is a point-in-time snapshot across every named queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// Options tunes retry and stall behavior, shared by both implementations.
type Options struct {
	MaxAttempts    int           // attempt budget per job
	BackoffInitial time.Duration // first retry delay, doubles per attempt
	StallThreshold time.Duration // lock lifetime between heartbeats
	MaxStalls      int           // tolerated reclaims before the job is failed
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 30 * time.Second
	}
	if o.MaxStalls <= 0 {
		o.MaxStalls = 2
	}
	return o
}

// backoff returns the delay before the next attempt; attempts is the number
// already made. 1s, 2s, 4s with the defaults.
func (o Options) backoff(attempts int) time.Duration {
	d := o.BackoffInitial
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Queue is a durable work queue with at-least-once delivery, per-id dedupe,
// retry with exponential backoff and stalled-job recovery.
type Queue interface {
	// Enqueue creates a job, or reports the in-flight one when a job with
	// the same id is already waiting, active or delayed. Terminal jobs
	// (completed/failed) are reset and re-admitted.
	Enqueue(ctx context.Context, queue, jobID, payload string, priority int) (*EnqueueResult, error)

	// InFlight reports whether any of the named queues holds a waiting,
	// active or delayed job with the id.
	InFlight(ctx context.Context, queues []string, jobID string) (bool, error)

	// Dequeue blocks up to timeout for a job on any of the named queues.
	// Returns (nil, nil) on timeout. Delivery increments the attempt count
	// and takes the job lock.
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Job, error)

	// Heartbeat renews the job lock. ErrNotOwner once reclaimed.
	Heartbeat(ctx context.Context, job *Job) error

	// Complete acks the job. ErrNotOwner once reclaimed.
	Complete(ctx context.Context, job *Job) error

	// Fail records a handler error: the job is either delayed for a retry
	// or moved to the failed set when its attempt budget is spent.
	Fail(ctx context.Context, job *Job, cause error) (Disposition, error)

	// Discard moves the job straight to the failed set, bypassing retries.
	// For non-retryable conditions such as a missing input file.
	Discard(ctx context.Context, job *Job, cause error) error

	// Retry re-admits a failed job, resetting attempts but keeping payload.
	Retry(ctx context.Context, jobID string) error

	Counts(ctx context.Context) (Counts, error)

	// Cleanup purges terminal jobs older than the retention windows and
	// returns how many were removed.
	Cleanup(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int, error)

	// PromoteDelayed moves due delayed jobs back to waiting.
	PromoteDelayed(ctx context.Context) (int, error)

	// ReclaimStalled requeues jobs whose lock expired and returns the jobs
	// that exceeded the stall tolerance and were failed instead.
	ReclaimStalled(ctx context.Context) (requeued int, dead []Job, err error)
}
