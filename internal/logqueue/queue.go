// Package logqueue provides an unbounded FIFO queue with a blocking Take.
package logqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("queue closed")

type Option func(*config)

type config struct {
	warnThreshold int
	name          string
}

// WithWarnThreshold logs a warning each time the queue length reaches n.
// The queue stays unbounded, the warning only flags a consumer that cannot
// keep up. Zero disables it.
func WithWarnThreshold(n int) Option {
	return func(c *config) {
		c.warnThreshold = n
	}
}

// WithName sets the name used in log records.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// Queue is safe for concurrent use by any number of producers and consumers.
type Queue[T any] struct {
	cfg config

	mx     sync.Mutex
	items  []T
	closed bool
	warned bool

	signal chan struct{}
	done   chan struct{}
}

func New[T any](opts ...Option) *Queue[T] {
	cfg := config{name: "queue"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue[T]{
		cfg:    cfg,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends item to the tail of the queue. It never blocks.
func (q *Queue[T]) Put(item T) error {
	q.mx.Lock()
	if q.closed {
		q.mx.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	n := len(q.items)
	warn := q.cfg.warnThreshold > 0 && n >= q.cfg.warnThreshold && !q.warned
	if warn {
		q.warned = true
	}
	q.mx.Unlock()

	if warn {
		slog.Warn("queue length reached warning threshold, consumer is falling behind",
			"queue", q.cfg.name,
			"length", n,
			"threshold", q.cfg.warnThreshold,
		)
	}
	q.notify()
	return nil
}

// Take removes and returns the head of the queue, blocking while the queue is
// empty. It returns ctx.Err() when ctx is done, even with items queued, and
// ErrClosed once the queue is closed; no item is removed in either case.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.mx.Lock()
		if q.closed {
			q.mx.Unlock()
			return zero, ErrClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			if remaining == 0 {
				q.items = nil
			}
			if q.warned && remaining < q.cfg.warnThreshold {
				q.warned = false
			}
			q.mx.Unlock()
			if remaining > 0 {
				q.notify()
			}
			return item, nil
		}
		q.mx.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			return zero, ErrClosed
		case <-q.signal:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Clear discards all queued items.
func (q *Queue[T]) Clear() {
	q.mx.Lock()
	q.items = nil
	q.warned = false
	q.mx.Unlock()
}

// Close discards all queued items and wakes every blocked Take. Put and Take
// return ErrClosed afterwards.
func (q *Queue[T]) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
