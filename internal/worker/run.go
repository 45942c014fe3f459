package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"renderapi/internal/pkg/logger"
	"renderapi/internal/repositories"
	"renderapi/internal/worker/processor"
	"renderapi/internal/worker/queue"
	"renderapi/internal/worker/renderer"
)

type Deps struct {
	Store       repositories.JobStore
	Queue       queue.Queue
	Renderer    renderer.Client
	Concurrency int
	// RetryBackoff is the pause before a job whose result could not be
	// stored goes back on the queue. Defaults to one second.
	RetryBackoff time.Duration
	Log          *logger.Logger
}

// Run starts Concurrency consumers and blocks until ctx ends or one of them
// fails. It returns ctx.Err() on a normal stop.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	n := d.Concurrency
	if n <= 0 {
		n = 1
	}
	backoff := d.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	p := processor.New(processor.Deps{
		Store:    d.Store,
		Renderer: d.Renderer,
		Log:      log,
	})

	log.Info("worker started", "concurrency", n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		consumer := log.With("consumer", i)
		g.Go(func() error {
			return consume(gctx, d.Queue, p, backoff, &logger.Logger{Logger: consumer})
		})
	}
	return g.Wait()
}

func consume(ctx context.Context, q queue.Queue, p *processor.Processor, backoff time.Duration, log *logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		jobID, err := q.Pop(popCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if jobID == "" {
			continue
		}

		jobCtx := logger.ContextWithJobID(ctx, jobID)
		jobLog := log.WithJobID(jobID)

		jobLog.Info("processing render job")
		startTime := time.Now()

		err = p.ProcessJob(jobCtx, jobID)
		switch {
		case err != nil && ctx.Err() != nil:
			requeue(q, jobID, jobLog)
			return ctx.Err()
		case processor.Retryable(err):
			jobLog.Warn("render job store unavailable, retrying", "error", err.Error(), "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			requeue(q, jobID, jobLog)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		case err != nil:
			jobLog.Error("render job failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		default:
			jobLog.Info("render job processed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}

// requeue hands a job that is still RENDERING back so a worker picks it up
// again.
func requeue(q queue.Queue, jobID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Push(ctx, jobID); err != nil {
		log.Error("failed to requeue render job", "error", fmt.Sprint(err))
		return
	}
	log.Info("requeued render job")
}
