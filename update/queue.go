package update

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// ErrQueueClosed is returned when a batch is submitted to a stopped queue.
var ErrQueueClosed = errors.New("update queue is closed")

type request struct {
	batch Batch
	reply chan Result
}

// Queue serializes the batches submitted by concurrent producers, such as
// webhooks and position feeds, into a single writer.
type Queue struct {
	engine   *Engine
	requests chan request
	done     chan struct{}
}

// NewQueue creates a queue that buffers up to size pending batches.
func NewQueue(e *Engine, size int) *Queue {
	return &Queue{
		engine:   e,
		requests: make(chan request, size),
		done:     make(chan struct{}),
	}
}

// Start launches the goroutine that applies submitted batches. It stops when
// the context is canceled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)

		for {
			select {
			case <-ctx.Done():
				return

			case req := <-q.requests:
				req.reply <- q.engine.Apply(req.batch)
			}
		}
	}()
}

// Submit enqueues a batch and waits for its result.
func (q *Queue) Submit(ctx context.Context, b Batch) (Result, error) {
	req := request{
		batch: b,
		reply: make(chan Result, 1),
	}

	select {
	case q.requests <- req:
	case <-q.done:
		return Result{}, ErrQueueClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-q.done:
		// The batch may have been applied right before the queue stopped.
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return Result{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
