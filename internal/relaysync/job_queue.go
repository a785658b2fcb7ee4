package relaysync

import (
	"context"
	"strings"
)

const defaultJobQueueCapacity = 1024

// JobQueue carries cycle jobs from timers and triggers to the worker pool.
type JobQueue interface {
	TryEnqueue(job CycleJob) bool
	Enqueue(ctx context.Context, job CycleJob) bool
	Dequeue(ctx context.Context) (CycleJob, bool)
	Depth() int
	Capacity() int
	Close() error
}

type jobQueueSnapshotter interface {
	SnapshotJobs() []CycleJob
}

type inMemoryJobQueue struct {
	ch chan CycleJob
}

func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = defaultJobQueueCapacity
	}
	return &inMemoryJobQueue{
		ch: make(chan CycleJob, capacity),
	}
}

func (q *inMemoryJobQueue) TryEnqueue(job CycleJob) bool {
	if q == nil || !validJob(job) {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *inMemoryJobQueue) Enqueue(ctx context.Context, job CycleJob) bool {
	if q == nil || !validJob(job) {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryJobQueue) Dequeue(ctx context.Context) (CycleJob, bool) {
	if q == nil {
		return CycleJob{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return CycleJob{}, false
	}
}

func (q *inMemoryJobQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryJobQueue) Close() error {
	return nil
}

func validJob(job CycleJob) bool {
	return strings.TrimSpace(job.ID) != "" &&
		strings.TrimSpace(job.WorkspaceID) != "" &&
		strings.TrimSpace(job.AccountID) != "" &&
		job.Kind.Valid()
}
