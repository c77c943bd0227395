// Package workerpool runs a batch of tasks across a bounded number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work
type Task[T any] struct {
	ID      string
	Payload T
}

// Result is the outcome of a Task. Attempts counts handler calls.
type Result[R any] struct {
	TaskID   string
	Value    R
	Err      error
	Attempts int
}

// Func processes one payload
type Func[T, R any] func(ctx context.Context, payload T) (R, error)

// Config holds pool configuration
type Config struct {
	// Workers is the upper bound on concurrent handler calls
	Workers int
	// MaxRetries is the number of extra attempts after a failed call
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
}

// DefaultConfig returns pool defaults
func DefaultConfig() Config {
	return Config{
		Workers:    16,
		MaxRetries: 1,
		RetryDelay: 100 * time.Millisecond,
	}
}

// ErrPermanent marks an error the pool must not retry. Wrap with fmt.Errorf("...: %w", ErrPermanent).
var ErrPermanent = errors.New("permanent failure")

// Pool runs batches through fn
type Pool[T, R any] struct {
	config Config
	fn     Func[T, R]
	logger *zap.Logger

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a pool
func New[T, R any](cfg Config, fn Func[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool[T, R]{config: cfg, fn: fn, logger: logger}, nil
}

// Run processes tasks and returns their results in task order. Tasks not started before ctx
// is cancelled report ctx.Err().
func (p *Pool[T, R]) Run(ctx context.Context, tasks []Task[T]) []Result[R] {
	results := make([]Result[R], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	p.submitted.Add(int64(len(tasks)))

	workers := p.config.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.active.Add(1)
			defer p.active.Add(-1)
			for i := range idx {
				results[i] = p.process(ctx, tasks[i])
			}
		}()
	}

feed:
	for i := range tasks {
		select {
		case <-ctx.Done():
			for j := i; j < len(tasks); j++ {
				results[j] = Result[R]{TaskID: tasks[j].ID, Err: ctx.Err()}
				p.failed.Add(1)
			}
			break feed
		case idx <- i:
		}
	}
	close(idx)
	wg.Wait()
	return results
}

func (p *Pool[T, R]) process(ctx context.Context, task Task[T]) Result[R] {
	res := Result[R]{TaskID: task.ID}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		res.Attempts++
		res.Value, res.Err = p.fn(ctx, task.Payload)
		if res.Err == nil || errors.Is(res.Err, ErrPermanent) || attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
			res.Err = errors.Join(res.Err, ctx.Err())
			attempt = p.config.MaxRetries
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
	} else {
		p.completed.Add(1)
	}
	return res
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksRetried   int64 `json:"tasks_retried"`
	ActiveWorkers  int64 `json:"active_workers"`
	Workers        int   `json:"workers"`
}

// Stats returns pool counters
func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		Workers:        p.config.Workers,
	}
}
