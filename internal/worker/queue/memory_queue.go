package queue

import (
	"context"
	"fmt"
)

// MemoryQueue is an in-process queue for running workers inside the API.
type MemoryQueue struct {
	ch chan string
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Push fails fast instead of blocking a request when the buffer is full.
func (q *MemoryQueue) Push(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("memory queue full (%d pending)", cap(q.ch))
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of pending ids.
func (q *MemoryQueue) Len() int { return len(q.ch) }
