// Package worker provides the serial task queue used for blocking cache I/O
// and listener callbacks.
//
// A Queue runs tasks one at a time, in dispatch order, on a single goroutine.
// Unlike a bounded hook queue it never drops: Dispatch only fails once the
// queue is shut down.
package worker

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("worker: queue closed")

type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// New starts a queue. name is used only for diagnostics.
func New(name string) *Queue {
	q := &Queue{name: name, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) Name() string { return q.name }

// Dispatch enqueues fn. It never blocks.
func (q *Queue) Dispatch(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return nil
}

// Len reports the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Shutdown stops accepting tasks, runs everything already queued, and waits
// for the loop to exit. Tasks dispatched by running tasks after Shutdown
// began are rejected. Must not be called from a task on the same queue.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
