package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisQueue struct {
	rdb        *redis.Client
	queueName  string
	popTimeout time.Duration
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName, popTimeout: 5 * time.Second}
}

// Push appends to the head of the list; Pop takes from the tail (FIFO).
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueName, jobID).Err()
}

// Pop blocks on BRPOP for at most popTimeout.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, q.popTimeout, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}
