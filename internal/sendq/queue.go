// ABOUTME: Sequential retrying executor for outbound send operations.
// ABOUTME: FIFO start order, one item at a time, exponential backoff per item.

package sendq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"log/slog"
)

// ErrClosed is returned for items enqueued after the queue shuts down.
var ErrClosed = errors.New("send queue closed")

// Executor performs one send attempt and returns the protocol message id.
type Executor func(ctx context.Context) (string, error)

// Pending is the caller's handle on an enqueued operation. It settles
// exactly once, after the item finally succeeds or exhausts its retries.
type Pending struct {
	done  chan struct{}
	value string
	err   error
}

// Wait blocks until the operation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done returns a channel closed when the operation settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

func (p *Pending) settle(value string, err error) {
	p.value = value
	p.err = err
	close(p.done)
}

// item is one queued operation. It leaves the pending list the moment the
// worker dispatches it; retries happen in place within one dispatch.
type item struct {
	id      string
	ctx     context.Context
	exec    Executor
	pending *Pending
}

// Queue executes enqueued operations strictly one at a time in FIFO order.
// Each item is attempted up to maxRetries+1 times with delays of
// retryDelay * 2^(attempt-1) between attempts; exhaustion rejects only
// that item's handle and the worker moves on. The worker goroutine exits
// when the list drains and is restarted by the next Enqueue, guarded by a
// worker-presence flag so at most one worker ever runs.
type Queue struct {
	mu           sync.Mutex
	items        []*item
	workerActive bool
	closed       bool

	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// New creates a queue with the given retry policy.
func New(maxRetries int, retryDelay time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With("component", "sendq"),
	}
}

// Enqueue appends an operation and returns its handle. ctx cancels waiting
// between retries and is passed to each executor attempt.
func (q *Queue) Enqueue(ctx context.Context, exec Executor) *Pending {
	pending := &Pending{done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		pending.settle("", ErrClosed)
		return pending
	}

	it := &item{
		id:      uuid.New().String(),
		ctx:     ctx,
		exec:    exec,
		pending: pending,
	}
	q.items = append(q.items, it)

	startWorker := !q.workerActive
	if startWorker {
		q.workerActive = true
	}
	q.mu.Unlock()

	if startWorker {
		go q.worker()
	}
	return pending
}

// Len returns the number of items waiting to start, excluding any item
// currently executing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects all queued items that have not started and stops accepting
// new ones. The item executing when Close is called still runs to
// completion.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	rejected := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range rejected {
		it.pending.settle("", ErrClosed)
	}
}

// worker drains the pending list one item at a time, then exits.
func (q *Queue) worker() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.workerActive = false
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.process(it)
	}
}

// process runs one item to completion, retrying in place with exponential
// backoff. One item's exhaustion never blocks the rest of the queue.
func (q *Queue) process(it *item) {
	attempts := q.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := it.ctx.Err(); err != nil {
			it.pending.settle("", fmt.Errorf("send canceled: %w", err))
			return
		}

		value, err := it.exec(it.ctx)
		if err == nil {
			it.pending.settle(value, nil)
			return
		}
		lastErr = err

		q.logger.Warn("send attempt failed",
			"item_id", it.id,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)

		if attempt < attempts {
			delay := q.retryDelay << (attempt - 1)
			if !sleepCtx(it.ctx, delay) {
				it.pending.settle("", fmt.Errorf("send canceled during backoff: %w", it.ctx.Err()))
				return
			}
		}
	}

	it.pending.settle("", fmt.Errorf("send failed after %d attempts: %w", attempts, lastErr))
}

// sleepCtx waits for d, returning false if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
