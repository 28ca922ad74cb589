// Package actor implements a single goroutine command processor.
//
// An Actor owns exactly one goroutine. Commands submitted to it are executed
// on that goroutine one after another, in submission order. Submit never
// blocks: the pending list is unbounded.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrShutdown is returned when a command is submitted to, or discarded by,
// an actor that has been shut down.
var ErrShutdown = errors.New("actor is shut down")

// Command is a unit of work executed on the actor goroutine. The context is
// cancelled when the actor shuts down.
type Command func(ctx context.Context)

type Actor struct {
	name string

	mx      sync.Mutex
	pending []Command
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a new actor goroutine. The context is passed to every command,
// so attributes stored in it (see internal/log) end up in the command logs.
// Cancelling ctx shuts the actor down: pending commands are discarded and
// Submit returns false afterwards.
func New(ctx context.Context, name string) *Actor {
	ctx, cancel := context.WithCancel(ctx)
	a := &Actor{
		name:   name,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Name returns the name given to New.
func (a *Actor) Name() string {
	return a.name
}

// Submit enqueues cmd and returns immediately. It returns false if the actor
// has been shut down and cmd will never run.
func (a *Actor) Submit(cmd Command) bool {
	a.mx.Lock()
	if a.closed {
		a.mx.Unlock()
		return false
	}
	a.pending = append(a.pending, cmd)
	a.mx.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// SubmitWait enqueues cmd and waits until it has been executed. It must not
// be called from a command running on the same actor.
func (a *Actor) SubmitWait(ctx context.Context, cmd Command) error {
	finished := make(chan struct{})
	ok := a.Submit(func(ctx context.Context) {
		defer close(finished)
		cmd(ctx)
	})
	if !ok {
		return ErrShutdown
	}

	select {
	case <-finished:
		return nil
	case <-a.done:
		// the command may have finished right before the loop exited
		select {
		case <-finished:
			return nil
		default:
			return ErrShutdown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown discards all pending commands, cancels the context of the running
// one and waits for the actor goroutine to exit. It is safe to call Shutdown
// more than once.
func (a *Actor) Shutdown() {
	a.close()
	a.cancel()
	<-a.done
}

func (a *Actor) loop() {
	defer close(a.done)
	// a cancelled parent context ends the actor like Shutdown does, later
	// submissions are rejected instead of silently queued
	defer a.close()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.wake:
		}

		for {
			cmd, ok := a.next()
			if !ok {
				break
			}
			if a.ctx.Err() != nil {
				return
			}
			a.run(cmd)
		}
	}
}

func (a *Actor) close() {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.closed = true
	a.pending = nil
}

func (a *Actor) next() (Command, bool) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if len(a.pending) == 0 {
		return nil, false
	}
	cmd := a.pending[0]
	a.pending[0] = nil
	a.pending = a.pending[1:]
	if len(a.pending) == 0 {
		a.pending = nil
	}
	return cmd, true
}

func (a *Actor) run(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(a.ctx, "actor command panicked",
				"actor", a.name,
				"error", fmt.Sprint(r),
			)
		}
	}()
	cmd(a.ctx)
}
