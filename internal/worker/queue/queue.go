package queue

import "context"

// Queue carries render job ids from the API to the workers.
type Queue interface {
	Push(ctx context.Context, jobID string) error
	// Pop blocks until an id is available or ctx ends. An empty id with a
	// nil error means nothing arrived in time.
	Pop(ctx context.Context) (string, error)
}
