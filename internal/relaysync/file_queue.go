package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileJobQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []CycleJob
}

type fileJobQueueState struct {
	Jobs []CycleJob `json:"jobs"`
}

// NewFileJobQueue keeps pending jobs in a JSON file so they survive a
// restart. The oldest entries are dropped if the file holds more than
// capacity jobs.
func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultJobQueueCapacity
	}
	q := &fileJobQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []CycleJob{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileJobQueue) TryEnqueue(job CycleJob) bool {
	if !validJob(job) {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileJobQueue) Enqueue(ctx context.Context, job CycleJob) bool {
	if !validJob(job) {
		return false
	}
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Dequeue(ctx context.Context) (CycleJob, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]CycleJob{job}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return CycleJob{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return CycleJob{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) SnapshotJobs() []CycleJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]CycleJob(nil), q.items...)
}

func (q *fileJobQueue) Close() error {
	return nil
}

func (q *fileJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileJobQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	jobs := make([]CycleJob, 0, len(snapshot.Jobs))
	for _, job := range snapshot.Jobs {
		if validJob(job) {
			jobs = append(jobs, job)
		}
	}
	if len(jobs) > q.capacity {
		q.items = append([]CycleJob(nil), jobs[len(jobs)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = jobs
	return nil
}

func (q *fileJobQueue) saveLocked() error {
	snapshot := fileJobQueueState{
		Jobs: append([]CycleJob(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
