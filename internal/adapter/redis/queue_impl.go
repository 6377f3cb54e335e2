package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const crawlQueueKey = "webingest:queue"

// QueueRepoImpl provides a concrete implementation for the QueueRepository interface using Redis Lists.
type QueueRepoImpl struct {
	client *redis.Client
}

// NewQueueRepo creates a new instance of QueueRepoImpl.
func NewQueueRepo(client *redis.Client) *QueueRepoImpl {
	return &QueueRepoImpl{client: client}
}

// Push adds a job ID to the left side of the list.
func (r *QueueRepoImpl) Push(ctx context.Context, jobID string) error {
	return r.client.LPush(ctx, crawlQueueKey, jobID).Err()
}

// Pop removes a job ID from the right side of the list. RPop returns
// redis.Nil when the list is empty.
func (r *QueueRepoImpl) Pop(ctx context.Context) (string, error) {
	return r.client.RPop(ctx, crawlQueueKey).Result()
}

// Size returns the current number of items in the queue.
func (r *QueueRepoImpl) Size(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, crawlQueueKey).Result()
}
