// Copyright 2015 Daniel Pupius

package rcache

import (
	"context"
	"fmt"

	"github.com/jmgilman/go/errors"

	"github.com/dpup/rcache/workerpool"
)

// coordinator runs every lifecycle mutation on a single goroutine: reference
// counts, job state, the in-flight table, the active resources and the memory
// cache. Nothing it runs may block on I/O or call do.
type coordinator struct {
	queue   *workerpool.Serial
	onPanic func(err error)
}

func newCoordinator(onPanic func(err error)) *coordinator {
	return &coordinator{queue: workerpool.NewSerial(), onPanic: onPanic}
}

// do runs fn on the coordinator and waits for it. A panic in fn is raised
// again on the calling goroutine.
func (c *coordinator) do(fn func()) error {
	return c.doContext(context.Background(), fn)
}

// doContext is do, giving up when ctx is done. fn may still run after that.
func (c *coordinator) doContext(ctx context.Context, fn func()) error {
	done := make(chan any, 1)
	err := c.queue.Execute(func() {
		defer func() { done <- recover() }()
		fn()
	})
	if err != nil {
		return ErrShutdown
	}
	select {
	case p := <-done:
		if p != nil {
			panic(p)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeTimeout, "coordinator did not respond")
	}
}

// post queues fn without waiting. A panic in fn is passed to onPanic.
func (c *coordinator) post(fn func()) bool {
	err := c.queue.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				c.onPanic(panicError(r))
			}
		}()
		fn()
	})
	return err == nil
}

func (c *coordinator) shutdown(ctx context.Context) error {
	return c.queue.Shutdown(ctx)
}

// panicError turns a recovered value into an error, keeping errors as they
// are so contract violations keep their code.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New(errors.CodeInternal, fmt.Sprint(r))
}
