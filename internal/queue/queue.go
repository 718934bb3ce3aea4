// Package queue runs background tasks decoupled from the signal that
// produced them.
//
// Tasks execute at-least-once: a failing task is retried in place with
// backoff until it succeeds or the attempt budget is spent, so tasks must be
// idempotent. Ordering is FIFO per queue; nothing is guaranteed across
// queues.
package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Task is one unit of queued work. A nil return acknowledges the task; any
// error marks the attempt failed and schedules a retry.
type Task func(ctx context.Context) error

// Config controls queue capacity and the retry policy.
type Config struct {
	Name          string
	Capacity      int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

const (
	defaultCapacity      = 256
	defaultMaxAttempts   = 5
	defaultRetryBackoff  = 250 * time.Millisecond
	defaultRetryMaxDelay = 5 * time.Second
)

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "queue"
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	return c
}

// Queue is a single-worker in-process task queue.
type Queue struct {
	config Config
	tasks  chan Task

	startOnce sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

// New creates a queue with the given config.
func New(config Config) *Queue {
	config = config.normalized()
	return &Queue{
		config: config,
		tasks:  make(chan Task, config.Capacity),
		done:   make(chan struct{}),
	}
}

// Start launches the worker loop. The loop drains until ctx ends.
func (q *Queue) Start(ctx context.Context) {
	if q == nil {
		return
	}
	q.startOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		workerCtx, cancel := context.WithCancel(ctx)
		q.stop = cancel
		go func() {
			defer close(q.done)
			q.run(workerCtx)
		}()
	})
}

// Close stops the worker and waits for the in-flight task to finish.
func (q *Queue) Close() {
	if q == nil || q.stop == nil {
		return
	}
	q.stop()
	<-q.done
}

// Enqueue submits a task. It fails rather than blocks when the queue is at
// capacity so producers on hot paths degrade by shedding work.
func (q *Queue) Enqueue(task Task) error {
	if q == nil {
		return fmt.Errorf("queue is not configured")
	}
	if task == nil {
		return fmt.Errorf("task is required")
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%s queue is full", q.config.Name)
	}
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.runWithRetry(ctx, task)
		}
	}
}

// runWithRetry executes one task in place until success or the attempt
// budget is spent. Retrying in place preserves FIFO ordering.
func (q *Queue) runWithRetry(ctx context.Context, task Task) {
	delay := q.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := task(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			log.Printf("%s: abandoning task during shutdown after attempt %d: %v", q.config.Name, attempt, err)
			return
		}
		if attempt >= q.config.MaxAttempts {
			log.Printf("%s: dropping task after %d attempts: %v", q.config.Name, attempt, err)
			return
		}
		log.Printf("%s: task attempt %d failed, retrying in %v: %v", q.config.Name, attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > q.config.RetryMaxDelay {
			delay = q.config.RetryMaxDelay
		}
	}
}
