package jobs

import "context"

// MemoryQueue is a channel-backed Queue for tests and single-node runs.
type MemoryQueue struct {
	ch chan Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, j Job) error {
	select {
	case q.ch <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case j := <-q.ch:
		return j, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len reports the number of buffered jobs.
func (q *MemoryQueue) Len() int { return len(q.ch) }
