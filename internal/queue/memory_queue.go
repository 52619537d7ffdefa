package queue

import "sync"

// MemoryQueue is the in-process FIFO of job ids awaiting the worker.
type MemoryQueue struct {
	mu    sync.Mutex
	items []string
}

// NewMemoryQueue builds an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends a job id to the tail.
func (q *MemoryQueue) Enqueue(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, jobID)
}

// Dequeue pops the head. ok is false when the queue is empty.
func (q *MemoryQueue) Dequeue() (jobID string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	jobID = q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return jobID, true
}

// Cancel removes every occurrence of jobID and reports whether one was present.
func (q *MemoryQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := false
	for _, id := range q.items {
		if id == jobID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	q.items = kept
	return removed
}

// Contains reports whether jobID is waiting.
func (q *MemoryQueue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.items {
		if id == jobID {
			return true
		}
	}
	return false
}

// Depth returns the number of waiting jobs.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns a copy of up to count waiting ids in dequeue order.
func (q *MemoryQueue) Peek(count int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if count <= 0 || count > len(q.items) {
		count = len(q.items)
	}
	out := make([]string, count)
	copy(out, q.items[:count])
	return out
}
