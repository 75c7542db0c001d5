// Package queue implements the bounded-concurrency job queue described in
// spec.md §4.4, using the same channel-as-semaphore idiom as
// abema-antares/core/segment.go's segmentStore.Sync: a buffered channel
// bounds how many goroutines run at once, and a sync.Cond signals idle/drain
// waiters. golang.org/x/sync/errgroup was considered (it backs the same
// abema-antares file) but its one-shot Wait-then-done lifecycle doesn't fit
// a queue that is pushed to, drained, and pushed to again over its lifetime.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/percy-io/percy-core/internal/interfaces"
)

// Job is a unit of work the queue runs with bounded concurrency. Run
// receives the queue's base context, canceled if the queue is stopped with
// drain=false.
type Job func(ctx context.Context) (interface{}, error)

// Result carries a job's outcome back to its caller through Push's returned
// channel.
type Result struct {
	Value interface{}
	Err   error
}

// Queue is a bounded-concurrency job queue with idle/drain semantics. Each
// pushed job waits for a free slot in its own goroutine, so jobs that are
// waiting at the same time are not guaranteed to start in push order;
// concurrent jobs complete in any order.
type Queue struct {
	logger      interfaces.Logger
	concurrency int
	limiter     chan struct{}

	mu       sync.Mutex
	active   int
	queued   int
	idleCond *sync.Cond
	stopped  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a Queue bounded to concurrency simultaneous jobs.
func New(concurrency int, logger interfaces.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:      logger,
		concurrency: concurrency,
		limiter:     make(chan struct{}, concurrency),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
	q.idleCond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues job and returns a channel that receives its single result
// once it finishes. It starts immediately if fewer than concurrency jobs
// are active. Push after Stop returns an error instead of a channel.
func (q *Queue) Push(job Job) (<-chan Result, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: stopped, rejecting new job")
	}
	q.queued++
	q.mu.Unlock()

	out := make(chan Result, 1)

	go func() {
		q.limiter <- struct{}{}
		q.mu.Lock()
		q.queued--
		q.active++
		q.mu.Unlock()

		value, err := job(q.baseCtx)

		q.mu.Lock()
		q.active--
		if q.active == 0 && q.queued == 0 {
			q.idleCond.Broadcast()
		}
		q.mu.Unlock()
		<-q.limiter

		out <- Result{Value: value, Err: err}
		close(out)
	}()

	return out, nil
}

// Idle blocks until active == 0 and the queue is empty, or ctx is done.
func (q *Queue) Idle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.active != 0 || q.queued != 0 {
			q.idleCond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for current jobs to finish (drain=true, the default) or
// cancels the queue's base context so in-flight jobs observe cancellation
// (drain=false). New pushes after Stop are rejected. Stop is idempotent.
func (q *Queue) Stop(ctx context.Context, drain bool) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	if !drain {
		q.baseCancel()
	}

	return q.Idle(ctx)
}

// ActiveCount reports the current number of running jobs, for the queue
// depth metric.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// QueuedCount reports jobs waiting for a free slot.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}
