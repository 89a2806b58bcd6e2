// Package queue provides the strictly ordered, single-flight action runner that
// serializes every cache mutation and backend catch-up in chatsync.
//
// Usage:
//
//	q := queue.New(queue.WithLogger(logger))
//	q.Enqueue(func(ctx context.Context) error {
//		return store.InsertBulkSafe(ctx, cache.TableMessage, rows)
//	})
//
//	row, err := queue.Do(ctx, q, func(ctx context.Context) (cache.Row, error) { ... })
//
// One Queue is meant to be shared by the whole application graph so that all
// writers share one ordering domain.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// Action is a unit of serialized work. A returned error or a panic is logged and
// the queue moves on to the next action.
type Action func(ctx context.Context) error

type entry struct {
	seq    uint64
	action Action
}

// Queue runs actions one at a time in FIFO arrival order. It is idle until the
// first Enqueue, drains until empty, then goes back to idle.
type Queue struct {
	mu       sync.Mutex
	idle     *sync.Cond
	pending  []entry
	draining bool
	inFlight bool
	seq      uint64

	ctx    context.Context
	logger zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for failed actions.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger.With().Str("component", "queue").Logger() }
}

// WithContext sets the context handed to actions enqueued with Enqueue.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) { q.ctx = ctx }
}

// New creates an idle queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		ctx:    context.Background(),
		logger: zerolog.Nop(),
	}
	q.idle = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends action to the queue and returns its 1-based position, counting
// the action currently running (if any) as position 1.
func (q *Queue) Enqueue(action Action) int {
	q.mu.Lock()
	q.seq++
	q.pending = append(q.pending, entry{seq: q.seq, action: action})
	pos := len(q.pending)
	if q.inFlight {
		pos++
	}
	start := !q.draining
	q.draining = true
	metrics.QueueDepth.Inc()
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return pos
}

// Len reports the number of pending actions plus the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// Wait blocks until the queue is idle.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.draining {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		q.inFlight = false
		if len(q.pending) == 0 {
			q.draining = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.inFlight = true
		q.mu.Unlock()

		q.run(e)
		metrics.QueueDepth.Dec()
	}
}

func (q *Queue) run(e entry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.QueueActionsTotal.WithLabelValues("panic").Inc()
			q.logger.Error().
				Uint64("seq", e.seq).
				Str("panic", fmt.Sprint(r)).
				Msg("queued action panicked")
		}
	}()

	if err := e.action(q.ctx); err != nil {
		metrics.QueueActionsTotal.WithLabelValues("error").Inc()
		q.logger.Warn().Err(err).Uint64("seq", e.seq).Msg("queued action failed")
		return
	}
	metrics.QueueActionsTotal.WithLabelValues("ok").Inc()
}

// Do enqueues fn and waits for its result. fn receives ctx, not the queue's
// context. If ctx is done before fn runs, Do returns ctx.Err() but fn still runs
// in its turn.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	q.Enqueue(func(context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("queued action panicked: %v", r)}
				panic(r)
			}
		}()
		val, err := fn(ctx)
		done <- result{val: val, err: err}
		return err
	})

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Run is Do for actions without a result.
func Run(ctx context.Context, q *Queue, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, q, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
