package repository

import "context"

// QueueRepository is a FIFO queue of crawl job IDs waiting for a worker.
type QueueRepository interface {
	// Push adds a job ID to the end of the queue.
	Push(ctx context.Context, jobID string) error
	// Pop removes and returns a job ID from the front of the queue. An empty
	// queue is reported with redis.Nil.
	Pop(ctx context.Context) (string, error)
	// Size returns the current number of items in the queue.
	Size(ctx context.Context) (int64, error)
}
