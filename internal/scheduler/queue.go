package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned by Submit when the buffer is exhausted.
var ErrQueueFull = errors.New("scheduler: task queue full")

// Task is a unit of work executed by the queue.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Queue is the single executor for fired jobs and ad hoc pipeline runs.
// Timers and loops only enqueue; the worker goroutines started by Run
// perform the work.
type Queue struct {
	tasks   chan Task
	workers int
	logger  *slog.Logger
}

// NewQueue creates a queue with the given buffer size and worker count.
func NewQueue(size, workers int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		tasks:   make(chan Task, size),
		workers: workers,
		logger:  logger.With(slog.String("component", "task_queue")),
	}
}

// Submit enqueues t without blocking.
func (q *Queue) Submit(t Task) error {
	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports the number of tasks waiting for a worker.
func (q *Queue) Len() int { return len(q.tasks) }

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight task has returned.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.InfoContext(ctx, "task queue started", slog.Int("workers", q.workers))

	var wg sync.WaitGroup
	for i := range q.workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-q.tasks:
					q.execute(ctx, worker, t)
				}
			}
		}(i)
	}
	wg.Wait()

	q.logger.Info("task queue stopped")
	return nil
}

func (q *Queue) execute(ctx context.Context, worker int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.ErrorContext(ctx, "task panicked",
				slog.String("task", t.Name),
				slog.Int("worker", worker),
				slog.Any("panic", r),
			)
		}
	}()
	t.Run(ctx)
}
