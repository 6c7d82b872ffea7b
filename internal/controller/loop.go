package controller

import (
	"context"
	"fmt"
)

// loop drains the command channel on a single goroutine, started from
// Create. Every controller state transition runs here; no two commands ever
// execute concurrently, and a command runs to completion before the next one
// starts — generalising the teacher's skipCh actor pattern into a full
// command queue, per §4.4's serialisation expansion.
func (c *Controller) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case cmd := <-c.cmdCh:
			cmd()
		}
	}
}

// post enqueues a fire-and-forget command. It is used by the
// source-end/async-stream triggers that engine callbacks invoke from their
// own goroutines, and by timer callbacks; do is its blocking counterpart.
func (c *Controller) post(f func()) {
	select {
	case c.cmdCh <- f:
	case <-c.done:
	}
}

// do enqueues f and blocks until it has run, returning its error. This is
// the synchronous path used by Start and Switch, which must not return until
// the state transition they triggered has actually happened.
func (c *Controller) do(ctx context.Context, f func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmdCh <- func() { reply <- f() }:
	case <-c.done:
		return fmt.Errorf("%w", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w", ErrClosed)
	}
}
