package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	q := New(Config{Name: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close()

	results := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		if err := q.Enqueue(func(context.Context) error {
			results <- i
			return nil
		}); err != nil {
			t.Fatalf("enqueue task %d: %v", i, err)
		}
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("task order = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d", want)
		}
	}
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	q := New(Config{
		Name:          "test",
		MaxAttempts:   5,
		RetryBackoff:  time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	if err := q.Enqueue(func(context.Context) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("transient")
		}
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried task")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestQueueDropsTaskAfterAttemptBudget(t *testing.T) {
	q := New(Config{
		Name:          "test",
		MaxAttempts:   2,
		RetryBackoff:  time.Millisecond,
		RetryMaxDelay: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close()

	var attempts atomic.Int32
	if err := q.Enqueue(func(context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("permanent")
	}); err != nil {
		t.Fatalf("enqueue failing task: %v", err)
	}

	done := make(chan struct{})
	if err := q.Enqueue(func(context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("enqueue follow-up task: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for follow-up task after drop")
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	q := New(Config{Name: "test", Capacity: 1})
	// Not started: nothing drains the channel.
	if err := q.Enqueue(func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error when queue is full")
	}
}

func TestEnqueueRejectsNilTask(t *testing.T) {
	q := New(Config{Name: "test"})
	if err := q.Enqueue(nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}
