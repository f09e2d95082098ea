// queue/memory_queue.go
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process implementation used by tests and local runs
// without Redis. Same semantics as RedisQueue: dedupe by id, backoff,
// token-guarded locks, stall reclaim.
type MemoryQueue struct {
	mu   sync.Mutex
	opts Options

	// Now is swappable so tests can drive backoff and stall timing.
	Now func() time.Time

	jobs    map[string]*memJob  // key: queue + "/" + id
	waiting map[string][]string // queue -> job ids in FIFO order
	order   []string            // known queue names
}

type memJob struct {
	Job
	state      State
	stalls     int
	readyAt    time.Time // delayed jobs
	deadline   time.Time // active lock expiry
	finishedAt time.Time
	lastError  string
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		Now:     time.Now,
		jobs:    make(map[string]*memJob),
		waiting: make(map[string][]string),
	}
}

func key(queueName, id string) string { return queueName + "/" + id }

func (q *MemoryQueue) trackQueue(n string) {
	for _, existing := range q.order {
		if existing == n {
			return
		}
	}
	q.order = append(q.order, n)
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName, jobID, payload string, priority int) (*EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.trackQueue(queueName)

	if existing, ok := q.jobs[key(queueName, jobID)]; ok {
		switch existing.state {
		case StateWaiting, StateActive, StateDelayed:
			return &EnqueueResult{JobID: jobID, AlreadyInFlight: true}, nil
		}
		// Terminal: fall through and reset.
	}

	q.jobs[key(queueName, jobID)] = &memJob{
		Job: Job{
			ID:         jobID,
			Queue:      queueName,
			Payload:    payload,
			Priority:   priority,
			EnqueuedAt: q.Now(),
		},
		state: StateWaiting,
	}
	if priority > 0 {
		q.waiting[queueName] = append([]string{jobID}, q.waiting[queueName]...)
	} else {
		q.waiting[queueName] = append(q.waiting[queueName], jobID)
	}
	return &EnqueueResult{JobID: jobID}, nil
}

func (q *MemoryQueue) InFlight(ctx context.Context, queues []string, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, n := range queues {
		j, ok := q.jobs[key(n, jobID)]
		if !ok {
			continue
		}
		switch j.state {
		case StateWaiting, StateActive, StateDelayed:
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		if job := q.tryDequeue(queues); job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) tryDequeue(queues []string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked()

	for _, n := range queues {
		ids := q.waiting[n]
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		q.waiting[n] = ids[1:]

		j := q.jobs[key(n, id)]
		j.state = StateActive
		j.Attempts++
		j.Token = uuid.NewString()
		j.deadline = q.Now().Add(q.opts.StallThreshold)

		delivered := j.Job
		return &delivered
	}
	return nil
}

func (q *MemoryQueue) owned(job *Job) (*memJob, error) {
	j, ok := q.jobs[key(job.Queue, job.ID)]
	if !ok || j.Token == "" || j.Token != job.Token {
		return nil, ErrNotOwner
	}
	return j, nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return err
	}
	j.deadline = q.Now().Add(q.opts.StallThreshold)
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return err
	}
	j.state = StateCompleted
	j.Token = ""
	j.finishedAt = q.Now()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) (Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return DispositionDead, err
	}

	j.Token = ""
	j.lastError = cause.Error()

	if j.Attempts >= q.opts.MaxAttempts {
		j.state = StateFailed
		j.finishedAt = q.Now()
		return DispositionDead, nil
	}

	j.state = StateDelayed
	j.readyAt = q.Now().Add(q.opts.backoff(j.Attempts))
	return DispositionRetried, nil
}

func (q *MemoryQueue) Discard(ctx context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return err
	}
	j.state = StateFailed
	j.Token = ""
	j.lastError = cause.Error()
	j.finishedAt = q.Now()
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for _, n := range q.order {
		j, ok := q.jobs[key(n, jobID)]
		if !ok {
			continue
		}
		found = true
		// Stage jobs share the video id; skip the ones that are not failed
		// and keep scanning for one that is.
		if j.state != StateFailed {
			continue
		}
		j.state = StateWaiting
		j.Attempts = 0
		j.stalls = 0
		j.lastError = ""
		q.waiting[n] = append(q.waiting[n], jobID)
		return nil
	}
	if found {
		return ErrNotFailed
	}
	return ErrUnknownJob
}

func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var counts Counts
	for _, j := range q.jobs {
		switch j.state {
		case StateWaiting:
			counts.Waiting++
		case StateActive:
			counts.Active++
		case StateDelayed:
			counts.Delayed++
		case StateCompleted:
			counts.Completed++
		case StateFailed:
			counts.Failed++
		}
	}
	counts.Total = counts.Waiting + counts.Active + counts.Delayed + counts.Completed + counts.Failed
	return counts, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	removed := 0
	for k, j := range q.jobs {
		var cutoff time.Time
		switch j.state {
		case StateCompleted:
			cutoff = now.Add(-completedOlderThan)
		case StateFailed:
			cutoff = now.Add(-failedOlderThan)
		default:
			continue
		}
		if j.finishedAt.Before(cutoff) {
			delete(q.jobs, k)
			removed++
		}
	}
	return removed, nil
}

func (q *MemoryQueue) PromoteDelayed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.promoteLocked(), nil
}

func (q *MemoryQueue) promoteLocked() int {
	now := q.Now()
	promoted := 0
	for _, n := range q.order {
		for _, j := range q.jobs {
			if j.Queue != n || j.state != StateDelayed || j.readyAt.After(now) {
				continue
			}
			j.state = StateWaiting
			q.waiting[n] = append(q.waiting[n], j.ID)
			promoted++
		}
	}
	return promoted
}

func (q *MemoryQueue) ReclaimStalled(ctx context.Context) (int, []Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	requeued := 0
	var dead []Job

	for _, j := range q.jobs {
		if j.state != StateActive || j.deadline.After(now) {
			continue
		}

		j.stalls++
		j.Token = ""
		if j.stalls > q.opts.MaxStalls {
			j.state = StateFailed
			j.lastError = "job stalled: worker stopped heartbeating"
			j.finishedAt = now
			dead = append(dead, j.Job)
			continue
		}
		j.state = StateWaiting
		q.waiting[j.Queue] = append(q.waiting[j.Queue], j.ID)
		requeued++
	}
	return requeued, dead, nil
}

// JobState reports a job's queue state and ready time, for tests and
// introspection.
func (q *MemoryQueue) JobState(queueName, jobID string) (State, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[key(queueName, jobID)]
	if !ok {
		return "", time.Time{}, false
	}
	return j.state, j.readyAt, true
}

var _ Queue = (*MemoryQueue)(nil)
