// Package queue runs model requests one at a time in submission order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/chriskillpack/imganalyzer/internal/metrics"
)

// DefaultTimeout is the ceiling for tasks enqueued without their own timeout.
const DefaultTimeout = 300 * time.Second

var (
	// ErrTimeout is returned to the submitter when a task holds the slot for
	// longer than its timeout. The task itself keeps running.
	ErrTimeout = errors.New("queue task timed out")
	// ErrCleared is returned for tasks dropped by Clear before they ran.
	ErrCleared = errors.New("queue cleared")
	ErrClosed  = errors.New("queue closed")
)

// Task is a unit of work. It receives the submitter's context.
type Task func(ctx context.Context) (string, error)

type Option func(*job)

// WithTimeout overrides the queue's default timeout for one task.
func WithTimeout(d time.Duration) Option {
	return func(j *job) { j.timeout = d }
}

// WithName sets the name the task is logged under.
func WithName(name string) Option {
	return func(j *job) { j.name = name }
}

type result struct {
	text string
	err  error
}

type job struct {
	id      string
	name    string
	ctx     context.Context
	task    Task
	timeout time.Duration

	once sync.Once
	res  chan result
}

func (j *job) settle(text string, err error) {
	j.once.Do(func() {
		j.res <- result{text, err}
	})
}

// Queue is a FIFO with exactly one task running at a time. A failing or
// timed out task never stops the queue.
type Queue struct {
	mu      sync.Mutex
	pending []*job
	closed  bool

	wake chan struct{}
	done chan struct{}

	timeout time.Duration
	log     log.Interface
}

// New starts a queue. timeout <= 0 selects DefaultTimeout.
func New(timeout time.Duration, logger log.Interface) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Log
	}

	q := &Queue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     logger.WithField("component", "queue"),
	}
	go q.worker()
	return q
}

// Enqueue appends task and blocks until it settled, ctx is done, or the
// task's timeout passed while it was running.
func (q *Queue) Enqueue(ctx context.Context, task Task, opts ...Option) (string, error) {
	j := &job{
		id:      uuid.NewString(),
		ctx:     ctx,
		task:    task,
		timeout: q.timeout,
		res:     make(chan result, 1),
	}
	for _, opt := range opts {
		opt(j)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.pending = append(q.pending, j)
	metrics.SetQueueDepth(len(q.pending))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-j.res:
		return r.text, r.err
	case <-ctx.Done():
		// The worker skips the job once it reaches the head
		return "", ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every pending task. The running task is not affected.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	metrics.SetQueueDepth(0)
	q.mu.Unlock()

	for _, j := range dropped {
		j.settle("", ErrCleared)
		metrics.RecordTask("cleared", 0)
	}
	if len(dropped) > 0 {
		q.log.WithField("dropped", len(dropped)).Info("queue cleared")
	}
}

// Close clears the queue and stops the worker. Later Enqueue calls fail
// with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	close(q.done)
}

func (q *Queue) next() *job {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			j := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			metrics.SetQueueDepth(len(q.pending))
			q.mu.Unlock()
			return j
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
			return nil
		}
	}
}

func (q *Queue) worker() {
	for {
		j := q.next()
		if j == nil {
			return
		}
		q.run(j)
	}
}

func (q *Queue) run(j *job) {
	ll := q.log.WithField("task", j.id)
	if j.name != "" {
		ll = ll.WithField("name", j.name)
	}

	if err := j.ctx.Err(); err != nil {
		ll.Debug("skipping canceled task")
		j.settle("", err)
		metrics.RecordTask("canceled", 0)
		return
	}

	start := time.Now()
	res := make(chan result, 1)
	go func() {
		text, err := j.task(j.ctx)
		res <- result{text, err}
	}()

	timer := time.NewTimer(j.timeout)
	defer timer.Stop()

	select {
	case r := <-res:
		status := "ok"
		if r.err != nil {
			status = "error"
			ll.WithError(r.err).Debug("task failed")
		}
		j.settle(r.text, r.err)
		metrics.RecordTask(status, time.Since(start))
	case <-timer.C:
		ll.WithField("timeout", j.timeout).Warn("task timed out, releasing slot")
		j.settle("", fmt.Errorf("%w after %s", ErrTimeout, j.timeout))
		metrics.RecordTask("timeout", time.Since(start))
	case <-j.ctx.Done():
		j.settle("", j.ctx.Err())
		metrics.RecordTask("canceled", time.Since(start))
	}
}
