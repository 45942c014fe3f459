package storage

import (
	"github.com/redis/go-redis/v9"

	"renderapi/internal/worker/queue"
)

// NewQueue returns the Redis queue when rdb is set and an in-process queue
// otherwise. The in-process queue only reaches workers in the same process.
func NewQueue(rdb *redis.Client, name string) queue.Queue {
	if rdb != nil {
		return queue.NewRedisQueue(rdb, name)
	}
	return queue.NewMemoryQueue(0)
}
