package jobs

import (
	"fmt"
	"sync"
)

// ImportTask names one page of one CSV import
type ImportTask struct {
	JobID      string `json:"jobId"`
	FilePath   string `json:"filePath"`
	BatchIndex int    `json:"batchIndex"`
}

// Queue is a thread-safe FIFO of import continuations with deduplication
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []ImportTask
	queued  map[string]bool // key: jobID@batch
	stopped bool
}

// NewQueue creates a new continuation queue
func NewQueue() *Queue {
	q := &Queue{
		items:  make([]ImportTask, 0),
		queued: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a task unless the same page is already waiting
// Returns true if added, false if duplicate or stopped
func (q *Queue) Push(task ImportTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Don't accept new entries if stopped
	if q.stopped {
		return false
	}

	key := makeKey(task.JobID, task.BatchIndex)
	if q.queued[key] {
		return false
	}

	q.queued[key] = true
	q.items = append(q.items, task)

	// Signal waiting worker
	q.cond.Signal()

	return true
}

// Pop removes and returns the first task
// Blocks if queue is empty and not stopped
// Returns (task, true) if successful, (empty, false) if stopped and empty
func (q *Queue) Pop() (ImportTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			delete(q.queued, makeKey(task.JobID, task.BatchIndex))
			return task, true
		}

		if q.stopped {
			return ImportTask{}, false
		}

		q.cond.Wait()
	}
}

// Size returns the current number of waiting tasks
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop signals the queue to stop accepting new tasks
// The worker drains remaining tasks, then receives false
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

// Pending returns a snapshot of waiting tasks
func (q *Queue) Pending() []ImportTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]ImportTask, len(q.items))
	copy(tasks, q.items)
	return tasks
}

// makeKey creates a deduplication key from job id and page index
func makeKey(jobID string, batch int) string {
	return fmt.Sprintf("%s@%d", jobID, batch)
}
