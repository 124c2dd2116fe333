// Package queue provides a single-consumer, strictly ordered async task
// runner. Tasks execute one at a time in enqueue order; a failed task is
// logged and dropped without affecting the tasks behind it.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

type task struct {
	name string
	fn   func(ctx context.Context) error
	done chan struct{}
}

// Queue runs enqueued tasks on one goroutine in FIFO order.
type Queue struct {
	tasks chan task

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Queue with the given intake capacity and starts its worker.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 64
	}
	q := &Queue{tasks: make(chan task, capacity)}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for t := range q.tasks {
		if err := t.fn(context.Background()); err != nil {
			slog.Warn("queued task failed", "task", t.name, "error", err)
		}
		if t.done != nil {
			close(t.done)
		}
	}
}

// Enqueue appends a task. It blocks only when the intake buffer is full,
// which preserves global FIFO order under concurrent producers that
// serialize their own calls.
func (q *Queue) Enqueue(name string, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks <- task{name: name, fn: fn}
	q.mu.Unlock()
	return nil
}

// EnqueueWait appends a task and returns a channel closed when it finishes.
func (q *Queue) EnqueueWait(name string, fn func(ctx context.Context) error) (<-chan struct{}, error) {
	done := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.tasks <- task{name: name, fn: fn, done: done}
	q.mu.Unlock()
	return done, nil
}

// Close stops intake and blocks until every already-enqueued task has run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
